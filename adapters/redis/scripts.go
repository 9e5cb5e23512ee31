package redis

import "github.com/redis/go-redis/v9"

// Lua腳本的返回狀態
const (
	scriptAccepted = 1
	scriptReplayed = 2
	scriptTooLow   = 0
	scriptNotFound = -1
	scriptNotLive  = -2
	scriptConflict = -3
	scriptNotEnded = -4
	scriptSettled  = -5
)

// bidScript 以單一原子操作完成出價的檢查與寫入
//
//	KEYS[1] - 拍賣的 hash
//	KEYS[2] - 拍賣的出價紀錄 stream
//	KEYS[3] - idempotency key 的 hash
//	KEYS[4] - 所有出價共用的 stream (給封存用)
//	ARGV[1] - 出價金額
//	ARGV[2] - 出價者看到的當前價格
//	ARGV[3] - 出價時間 (unix ms)
//	ARGV[4] - idempotency key
//	ARGV[5] - 編碼後的出價紀錄
//	ARGV[6] - 是否寫入共用 stream ("1" / "0")
//
// 返回值: {狀態, 當前價格, 最小加價, 開始時間, 結束時間} 或 {2, 先前的出價紀錄}
//
//	1  - 出價成功
//	2  - 相同 idempotency key 已經成功過
//	0  - 出價低於最低出價
//	-1 - 拍賣不存在
//	-2 - 拍賣不在進行中
//	-3 - 當前價格已被其他出價改變
var bidScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
    return {-1}
end

-- 重送的出價直接回傳原本的紀錄
local previous = redis.call('HGET', KEYS[3], ARGV[4])
if previous then
    return {2, previous}
end

local fields = redis.call('HMGET', KEYS[1], 'current_price', 'min_increment', 'start_at', 'end_at')
local current = tonumber(fields[1])
local increment = tonumber(fields[2])
local now = tonumber(ARGV[3])

if now < tonumber(fields[3]) or now >= tonumber(fields[4]) then
    return {-2, fields[1], fields[2], fields[3], fields[4]}
end

local amount = tonumber(ARGV[1])
if amount < current + increment then
    if current ~= tonumber(ARGV[2]) then
        return {-3, fields[1], fields[2], fields[3], fields[4]}
    end
    return {0, fields[1], fields[2], fields[3], fields[4]}
end

redis.call('HSET', KEYS[1], 'current_price', ARGV[1])
redis.call('XADD', KEYS[2], '*', 'data', ARGV[5])
redis.call('HSET', KEYS[3], ARGV[4], ARGV[5])
if ARGV[6] == '1' then
    redis.call('XADD', KEYS[4], '*', 'data', ARGV[5])
end

return {1, ARGV[1], fields[2], fields[3], fields[4]}
`)

// settleScript 只在拍賣已結束且尚未結算時寫入結算結果
//
//	KEYS[1] - 拍賣的 hash
//	KEYS[2] - 尚未結算拍賣的 sorted set
//	ARGV[1] - 結算時間 (unix ms)
//	ARGV[2] - 拍賣 ID
//	ARGV[3] - 得標出價 ID，沒有出價時為空字串
//	ARGV[4] - 得標者 ID
//
// 返回值: {狀態, 成交價格}
//
//	1  - 結算成功
//	-1 - 拍賣不存在
//	-4 - 拍賣尚未結束
//	-5 - 已經被結算過
var settleScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
    return {-1}
end
if redis.call('HEXISTS', KEYS[1], 'settled_at') == 1 then
    return {-5}
end

local fields = redis.call('HMGET', KEYS[1], 'current_price', 'end_at')
if tonumber(ARGV[1]) < tonumber(fields[2]) then
    return {-4}
end

redis.call('HSET', KEYS[1],
    'settled_at', ARGV[1],
    'final_price', fields[1],
    'winning_bid_id', ARGV[3],
    'winner_id', ARGV[4])
redis.call('ZREM', KEYS[2], ARGV[2])

return {1, fields[1]}
`)

// repairScript 修正快取的當前價格，拍賣不存在時返回 -1
//
//	KEYS[1] - 拍賣的 hash
//	ARGV[1] - 重新計算後的價格
var repairScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
    return -1
end
redis.call('HSET', KEYS[1], 'current_price', ARGV[1])
return 1
`)
