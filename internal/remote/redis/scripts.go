package redis

const (
	// replaceRecordScript atomically swaps the whole record so readers
	// never observe a half-written mix of old and new fields.
	replaceRecordScript = `
local record_key = KEYS[1]

redis.call('DEL', record_key)

for i = 1, #ARGV, 2 do
  redis.call('HSET', record_key, ARGV[i], ARGV[i + 1])
end

return 'OK'
`
)
