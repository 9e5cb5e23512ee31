package redis

import (
	"encoding/base64"
	"errors"
	"fmt"
	"reflect"

	"github.com/vmihailenco/msgpack/v5"
)

var (
	ErrPointerType = errors.New("pointer type is not allowed")
)

// payloadField 是 stream 訊息中存放編碼後資料的欄位
const payloadField = "data"

// EncodePayload 將資料以 msgpack 序列化後再以 base64 編碼，
// 同時用於 Lua 腳本參數與 stream 訊息欄位
func EncodePayload[T any](data T) (string, error) {
	// 檢查是否為指標類型
	if reflect.TypeOf(data).Kind() == reflect.Ptr {
		return "", ErrPointerType
	}
	bytes, err := msgpack.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("msgpack marshal error: %w", err)
	}
	return base64.StdEncoding.EncodeToString(bytes), nil
}

// DecodePayload 是 EncodePayload 的反向操作
func DecodePayload[T any](encoded string) (T, error) {
	var result T
	bytes, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return result, fmt.Errorf("base64 decode error: %w", err)
	}
	if err := msgpack.Unmarshal(bytes, &result); err != nil {
		return result, fmt.Errorf("msgpack unmarshal error: %w", err)
	}
	return result, nil
}

// DefaultParseToMessage 將struct轉換為stream訊息
func DefaultParseToMessage[T any](data T) (map[string]any, error) {
	encoded, err := EncodePayload(data)
	if err != nil {
		return nil, err
	}
	return map[string]any{payloadField: encoded}, nil
}

// DefaultParseFromMessage 將stream訊息轉換為struct
func DefaultParseFromMessage[T any](message map[string]any) (T, error) {
	var result T

	// 檢查是否為指標類型
	if reflect.TypeOf(result).Kind() == reflect.Ptr {
		return result, ErrPointerType
	}

	if len(message) == 0 {
		return result, nil
	}

	// 獲取data字段
	dataStr, ok := message[payloadField].(string)
	if !ok {
		return result, fmt.Errorf("data field not found or invalid type")
	}
	return DecodePayload[T](dataStr)
}
