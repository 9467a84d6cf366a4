package store

import "github.com/redis/go-redis/v9"

// Script result codes shared between Go and Lua. Positive results carry the
// assigned sequence number.
const (
	resNotFound       = -1
	resVersionMoved   = -2
	resAnswersChanged = -3
	resWrongState     = -4
	resDuplicate      = -5
)

// transitionScript commits a session transition in one atomic step: swap the
// document if the stored version matches, apply any score deltas, guard the
// answer set size if requested, assign the next sequence number and append
// the event to the bounded backlog.
//
//	KEYS: state, answers, scores, seq, events
//	ARGV: expected version, new doc, answers seen (-1 skips), event, backlog,
//	      then (username, score) pairs
var transitionScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if not cur then
	return -1
end
local doc = cjson.decode(cur)
if doc.version ~= tonumber(ARGV[1]) then
	return -2
end
local seen = tonumber(ARGV[3])
if seen >= 0 and redis.call("HLEN", KEYS[2]) ~= seen then
	return -3
end
redis.call("SET", KEYS[1], ARGV[2])
for i = 6, #ARGV, 2 do
	redis.call("ZINCRBY", KEYS[3], tonumber(ARGV[i + 1]), ARGV[i])
end
local seq = redis.call("INCR", KEYS[4])
local ev = cjson.decode(ARGV[4])
ev.sequence = seq
redis.call("RPUSH", KEYS[5], cjson.encode(ev))
redis.call("LTRIM", KEYS[5], -tonumber(ARGV[5]), -1)
return seq
`)

// submitAnswerScript accepts an answer only while the session is question_open
// on the expected index and the participant has no answer yet, then appends
// the acceptance event under the same atomic step.
//
//	KEYS: state, answers, seq, events
//	ARGV: expected index, username, answer, event, backlog
var submitAnswerScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if not cur then
	return -1
end
local doc = cjson.decode(cur)
if doc.status ~= "question_open" or doc.current_index ~= tonumber(ARGV[1]) then
	return -4
end
if redis.call("HSETNX", KEYS[2], ARGV[2], ARGV[3]) == 0 then
	return -5
end
local seq = redis.call("INCR", KEYS[3])
local ev = cjson.decode(ARGV[4])
ev.sequence = seq
redis.call("RPUSH", KEYS[4], cjson.encode(ev))
redis.call("LTRIM", KEYS[4], -tonumber(ARGV[5]), -1)
return seq
`)
