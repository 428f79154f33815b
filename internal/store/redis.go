package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mossy-p/interview-signaling/internal/models"
	"github.com/redis/go-redis/v9"
)

// Compile-time interface check.
var _ Store = (*RedisStore)(nil)

// sessionTTL bounds how long session, mailbox and feedback keys survive.
const sessionTTL = 24 * time.Hour

// RedisStore shares matchmaking state between service instances. Each
// mutating operation is one Lua script, so Redis executes it atomically.
//
// Keys (all under the configured prefix):
//
//	queue                      LIST of waiting participant ids, oldest first
//	queued:<pid>               HASH at (unix ms), tags (comma separated)
//	expired:<pid>              search timed out, not yet reported
//	member:<pid>               session id
//	session:<sid>              HASH of session fields
//	mailbox:<sid>:<pid>        LIST of JSON signal messages
//	mailbox:<sid>:<pid>:keys   SET of "sender:seq"
//	sysseq:<sid>               system sender sequence
//	feedback:<sid>             HASH idempotency key → JSON record
//	feedback_last:<sid>        idempotency key of the newest record
//
// Scripts build key names from the prefix argument, so the store expects
// a single Redis node rather than a cluster.
type RedisStore struct {
	client *redis.Client
	prefix string
	newID  func() string
}

// NewRedisStore wraps an established client. The store does not own the
// client; Close is a no-op.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: prefix,
		newID:  uuid.NewString,
	}
}

var enqueueScript = redis.NewScript(`
local p, pid, sid = ARGV[1], ARGV[2], ARGV[3]
local now, timeout, tags, ttl = tonumber(ARGV[4]), tonumber(ARGV[5]), ARGV[6], tonumber(ARGV[7])

local current = redis.call('GET', p .. 'member:' .. pid)
if current then
  local state = redis.call('HGET', p .. 'session:' .. current, 'state')
  if state and state ~= 'ended' then
    return {'matched', current}
  end
  redis.call('DEL', p .. 'member:' .. pid)
end
redis.call('DEL', p .. 'expired:' .. pid)

if redis.call('EXISTS', p .. 'queued:' .. pid) == 1 then
  return {'waiting', ''}
end

local function compatible(a, b)
  if a == '' or b == '' then return true end
  local seen = {}
  for tag in string.gmatch(a, '[^,]+') do seen[tag] = true end
  for tag in string.gmatch(b, '[^,]+') do
    if seen[tag] then return true end
  end
  return false
end

local queue = p .. 'queue'
for _, other in ipairs(redis.call('LRANGE', queue, 0, -1)) do
  local info = redis.call('HMGET', p .. 'queued:' .. other, 'at', 'tags')
  if not info[1] then
    redis.call('LREM', queue, 0, other)
  elseif now - tonumber(info[1]) >= timeout then
    redis.call('LREM', queue, 0, other)
    redis.call('DEL', p .. 'queued:' .. other)
    redis.call('SET', p .. 'expired:' .. other, '1', 'PX', ttl)
  elseif compatible(tags, info[2] or '') then
    redis.call('LREM', queue, 0, other)
    redis.call('DEL', p .. 'queued:' .. other)
    local key = p .. 'session:' .. sid
    redis.call('HSET', key, 'id', sid, 'initiator', other, 'responder', pid, 'state', 'forming', 'created_at', ARGV[4])
    redis.call('PEXPIRE', key, ttl)
    redis.call('SET', p .. 'member:' .. other, sid, 'PX', ttl)
    redis.call('SET', p .. 'member:' .. pid, sid, 'PX', ttl)
    return {'matched', sid}
  end
end

redis.call('RPUSH', queue, pid)
redis.call('HSET', p .. 'queued:' .. pid, 'at', ARGV[4], 'tags', tags)
return {'waiting', ''}
`)

var statusScript = redis.NewScript(`
local p, pid = ARGV[1], ARGV[2]
local now, timeout = tonumber(ARGV[3]), tonumber(ARGV[4])

local current = redis.call('GET', p .. 'member:' .. pid)
if current then
  if redis.call('EXISTS', p .. 'session:' .. current) == 1 then
    return {'session', current}
  end
  redis.call('DEL', p .. 'member:' .. pid)
end

if redis.call('DEL', p .. 'expired:' .. pid) == 1 then
  return {'idle', 'no_partner'}
end

local at = redis.call('HGET', p .. 'queued:' .. pid, 'at')
if at then
  if now - tonumber(at) >= timeout then
    redis.call('LREM', p .. 'queue', 0, pid)
    redis.call('DEL', p .. 'queued:' .. pid)
    return {'idle', 'no_partner'}
  end
  return {'waiting', ''}
end
return {'idle', ''}
`)

var leaveScript = redis.NewScript(`
local p, pid, now, reason = ARGV[1], ARGV[2], ARGV[3], ARGV[4]

if redis.call('DEL', p .. 'queued:' .. pid) == 1 then
  redis.call('LREM', p .. 'queue', 0, pid)
end
redis.call('DEL', p .. 'expired:' .. pid)

local current = redis.call('GET', p .. 'member:' .. pid)
if not current then
  return ''
end
redis.call('DEL', p .. 'member:' .. pid)

local key = p .. 'session:' .. current
local state = redis.call('HGET', key, 'state')
if not state then
  return ''
end
if state ~= 'ended' then
  redis.call('HSET', key, 'state', 'ended', 'end_reason', reason, 'ended_by', pid, 'ended_at', now)
end
return current
`)

var appendScript = redis.NewScript(`
local p, sid, from, seq, msg, typ, kind = ARGV[1], ARGV[2], ARGV[3], ARGV[4], ARGV[5], ARGV[6], ARGV[7]
local ttl = tonumber(ARGV[8])

local key = p .. 'session:' .. sid
local s = redis.call('HMGET', key, 'initiator', 'responder', 'state')
if not s[1] then
  return 'unknown_session'
end

local recipient
if from == s[1] then
  recipient = s[2]
elseif from == s[2] then
  recipient = s[1]
else
  return 'not_participant'
end
if s[3] == 'ended' then
  return 'ended'
end

local box = p .. 'mailbox:' .. sid .. ':' .. recipient
if redis.call('SADD', box .. ':keys', from .. ':' .. seq) == 0 then
  return 'duplicate'
end
redis.call('RPUSH', box, msg)
redis.call('PEXPIRE', box, ttl)
redis.call('PEXPIRE', box .. ':keys', ttl)

if s[3] == 'forming' and (typ == 'offer' or typ == 'answer') then
  redis.call('HSET', key, 'state', 'signaling')
elseif kind == 'connected' and s[3] ~= 'connected' then
  redis.call('HSET', key, 'state', 'connected')
end
return 'ok'
`)

// The feedback message JSON is passed without its closing brace so the
// script can append the sequence it allocates.
var feedbackScript = redis.NewScript(`
local p, sid, fkey, record, head = ARGV[1], ARGV[2], ARGV[3], ARGV[4], ARGV[5]
local ttl = tonumber(ARGV[6])

local s = redis.call('HMGET', p .. 'session:' .. sid, 'initiator', 'responder')
if not s[1] then
  return {'unknown_session', ''}
end

local records = p .. 'feedback:' .. sid
local existing = redis.call('HGET', records, fkey)
if existing then
  return {'exists', existing}
end
redis.call('HSET', records, fkey, record)
redis.call('PEXPIRE', records, ttl)
redis.call('SET', p .. 'feedback_last:' .. sid, fkey, 'PX', ttl)

local seq = redis.call('INCR', p .. 'sysseq:' .. sid)
redis.call('PEXPIRE', p .. 'sysseq:' .. sid, ttl)
local msg = head .. seq .. '}'
for _, recipient in ipairs({s[1], s[2]}) do
  local box = p .. 'mailbox:' .. sid .. ':' .. recipient
  redis.call('RPUSH', box, msg)
  redis.call('SADD', box .. ':keys', 'system:' .. seq)
  redis.call('PEXPIRE', box, ttl)
  redis.call('PEXPIRE', box .. ':keys', ttl)
end
return {'created', record}
`)

func (s *RedisStore) Enqueue(ctx context.Context, entry models.QueueEntry, searchTimeout time.Duration) (Status, error) {
	res, err := enqueueScript.Run(ctx, s.client, nil,
		s.prefix,
		entry.ParticipantID,
		s.newID(),
		entry.EnqueuedAt.UnixMilli(),
		searchTimeout.Milliseconds(),
		strings.Join(entry.Tags, ","),
		sessionTTL.Milliseconds(),
	).StringSlice()
	if err != nil {
		return Status{}, fmt.Errorf("enqueue %s: %w", entry.ParticipantID, err)
	}

	if res[0] == "waiting" {
		return Status{State: models.StatusWaiting}, nil
	}
	session, err := s.Session(ctx, res[1])
	if err != nil {
		return Status{}, fmt.Errorf("loading new session %s: %w", res[1], err)
	}
	return Status{State: models.StatusMatched, Session: session}, nil
}

func (s *RedisStore) Status(ctx context.Context, participantID string, now time.Time, searchTimeout time.Duration) (Status, error) {
	res, err := statusScript.Run(ctx, s.client, nil,
		s.prefix,
		participantID,
		now.UnixMilli(),
		searchTimeout.Milliseconds(),
	).StringSlice()
	if err != nil {
		return Status{}, fmt.Errorf("status %s: %w", participantID, err)
	}

	switch res[0] {
	case "waiting":
		return Status{State: models.StatusWaiting}, nil
	case "idle":
		return Status{State: models.StatusIdle, Outcome: models.EndReason(res[1])}, nil
	}

	session, err := s.Session(ctx, res[1])
	if err != nil {
		return Status{}, err
	}
	state := models.StatusMatched
	if !session.Active() {
		state = models.StatusEnded
	}
	return Status{State: state, Session: session}, nil
}

func (s *RedisStore) Leave(ctx context.Context, participantID string, reason models.EndReason, now time.Time) (*models.Session, error) {
	sid, err := leaveScript.Run(ctx, s.client, nil,
		s.prefix,
		participantID,
		now.UnixMilli(),
		string(reason),
	).Text()
	if err != nil {
		return nil, fmt.Errorf("leave %s: %w", participantID, err)
	}
	if sid == "" {
		return nil, nil
	}
	return s.Session(ctx, sid)
}

func (s *RedisStore) Session(ctx context.Context, sessionID string) (*models.Session, error) {
	fields, err := s.client.HGetAll(ctx, s.prefix+"session:"+sessionID).Result()
	if err != nil {
		return nil, fmt.Errorf("loading session %s: %w", sessionID, err)
	}
	if len(fields) == 0 {
		return nil, ErrUnknownSession
	}
	return decodeSession(fields)
}

func (s *RedisStore) AppendSignal(ctx context.Context, msg models.SignalMessage) (bool, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return false, fmt.Errorf("encoding signal: %w", err)
	}

	var kind string
	if msg.Type == models.SignalTypeControl {
		if c, err := models.DecodeControl(msg.Payload); err == nil {
			kind = string(c.Kind)
		}
	}

	res, err := appendScript.Run(ctx, s.client, nil,
		s.prefix,
		msg.SessionID,
		msg.From,
		msg.Sequence,
		data,
		string(msg.Type),
		kind,
		sessionTTL.Milliseconds(),
	).Text()
	if err != nil {
		return false, fmt.Errorf("appending signal %s: %w", msg.Key(), err)
	}

	switch res {
	case "ok":
		return true, nil
	case "duplicate":
		return false, nil
	case "unknown_session":
		return false, ErrUnknownSession
	case "not_participant":
		return false, ErrNotParticipant
	case "ended":
		return false, ErrSessionEnded
	}
	return false, fmt.Errorf("appending signal %s: unexpected result %q", msg.Key(), res)
}

func (s *RedisStore) Signals(ctx context.Context, sessionID, recipient string, watermarks models.Watermarks) ([]models.SignalMessage, error) {
	session, err := s.Session(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if _, ok := session.RoleOf(recipient); !ok {
		return nil, ErrNotParticipant
	}

	raw, err := s.client.LRange(ctx, s.prefix+"mailbox:"+sessionID+":"+recipient, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("reading mailbox: %w", err)
	}

	var out []models.SignalMessage
	for _, entry := range raw {
		var msg models.SignalMessage
		if err := json.Unmarshal([]byte(entry), &msg); err != nil {
			return nil, fmt.Errorf("decoding mailbox entry: %w", err)
		}
		if watermarks.Above(msg) {
			out = append(out, msg)
		}
	}
	return out, nil
}

// systemMessageHead is a SignalMessage without its sequence field.
type systemMessageHead struct {
	SessionID string            `json:"sessionId"`
	From      string            `json:"from"`
	Type      models.SignalType `json:"type"`
	Payload   json.RawMessage   `json:"payload,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

func (s *RedisStore) SaveFeedback(ctx context.Context, record models.FeedbackRecord) (models.FeedbackRecord, bool, error) {
	recordJSON, err := json.Marshal(record)
	if err != nil {
		return models.FeedbackRecord{}, false, fmt.Errorf("encoding feedback: %w", err)
	}
	msg, err := feedbackMessage(record, 0)
	if err != nil {
		return models.FeedbackRecord{}, false, err
	}
	headJSON, err := json.Marshal(systemMessageHead{
		SessionID: msg.SessionID,
		From:      msg.From,
		Type:      msg.Type,
		Payload:   msg.Payload,
		CreatedAt: msg.CreatedAt,
	})
	if err != nil {
		return models.FeedbackRecord{}, false, fmt.Errorf("encoding feedback message: %w", err)
	}
	head := string(headJSON[:len(headJSON)-1]) + `,"sequence":`

	res, err := feedbackScript.Run(ctx, s.client, nil,
		s.prefix,
		record.SessionID,
		record.IdempotencyKey,
		recordJSON,
		head,
		sessionTTL.Milliseconds(),
	).StringSlice()
	if err != nil {
		return models.FeedbackRecord{}, false, fmt.Errorf("saving feedback: %w", err)
	}
	if res[0] == "unknown_session" {
		return models.FeedbackRecord{}, false, ErrUnknownSession
	}

	var stored models.FeedbackRecord
	if err := json.Unmarshal([]byte(res[1]), &stored); err != nil {
		return models.FeedbackRecord{}, false, fmt.Errorf("decoding feedback: %w", err)
	}
	return stored, res[0] == "created", nil
}

func (s *RedisStore) Feedback(ctx context.Context, sessionID, idempotencyKey string) (models.FeedbackRecord, error) {
	raw, err := s.client.HGet(ctx, s.prefix+"feedback:"+sessionID, idempotencyKey).Result()
	if errors.Is(err, redis.Nil) {
		return models.FeedbackRecord{}, ErrNotFound
	}
	if err != nil {
		return models.FeedbackRecord{}, fmt.Errorf("loading feedback: %w", err)
	}

	var record models.FeedbackRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return models.FeedbackRecord{}, fmt.Errorf("decoding feedback: %w", err)
	}
	return record, nil
}

func (s *RedisStore) LastFeedback(ctx context.Context, sessionID string) (models.FeedbackRecord, error) {
	key, err := s.client.Get(ctx, s.prefix+"feedback_last:"+sessionID).Result()
	if errors.Is(err, redis.Nil) {
		return models.FeedbackRecord{}, ErrNotFound
	}
	if err != nil {
		return models.FeedbackRecord{}, fmt.Errorf("loading feedback: %w", err)
	}
	return s.Feedback(ctx, sessionID, key)
}

func (s *RedisStore) Close() error { return nil }

func decodeSession(fields map[string]string) (*models.Session, error) {
	createdMs, err := strconv.ParseInt(fields["created_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("session %s: bad created_at: %w", fields["id"], err)
	}

	session := &models.Session{
		ID:        fields["id"],
		Initiator: fields["initiator"],
		Responder: fields["responder"],
		State:     models.SessionState(fields["state"]),
		EndReason: models.EndReason(fields["end_reason"]),
		EndedBy:   fields["ended_by"],
		CreatedAt: time.UnixMilli(createdMs).UTC(),
	}
	if v := fields["ended_at"]; v != "" {
		endedMs, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("session %s: bad ended_at: %w", session.ID, err)
		}
		endedAt := time.UnixMilli(endedMs).UTC()
		session.EndedAt = &endedAt
	}
	return session, nil
}
