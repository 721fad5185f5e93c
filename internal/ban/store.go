// Package ban tracks per-user trust state in Redis: the violation counter,
// the time of the last violation and the ban flag. Each user is one hash:
//
//	Key:    trust:<user_id>
//	Fields: violations, last_violation_at (unix seconds), banned ("1"),
//	        ban_source ("auto" | "manual")
//
// Counter updates and the threshold check run inside one Lua script, so two
// concurrent violations from the same user can never lose an increment or
// skip the ban.
package ban

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/whisper/chat-dlp/internal/metrics"
)

const (
	// TrustPrefix is the Redis key prefix for user trust state.
	TrustPrefix = "trust:"

	// Threshold is the violation count at which a non-privileged user is
	// banned automatically.
	Threshold = 10

	// NotifyEvery batches admin alerts: one every NotifyEvery violations.
	NotifyEvery = 5

	SourceAuto   = "auto"
	SourceManual = "manual"
)

// TrustState is the stored state of one user.
type TrustState struct {
	UserID          string     `json:"user_id"`
	ViolationCount  int        `json:"violation_count"`
	LastViolationAt *time.Time `json:"last_violation_at,omitempty"`
	Banned          bool       `json:"banned"`
	BanSource       string     `json:"ban_source,omitempty"`
}

// Outcome is the result of registering one violation.
type Outcome struct {
	ViolationCount    int
	Banned            bool
	JustBanned        bool
	ShouldNotifyAdmin bool
}

// Tracker manages trust state in Redis.
type Tracker struct {
	client         *redis.Client
	registerScript *redis.Script
	resetScript    *redis.Script
	now            func() time.Time
}

// NewTracker creates a tracker using the provided Redis client.
func NewTracker(client *redis.Client) *Tracker {
	return &Tracker{
		client:         client,
		registerScript: redis.NewScript(registerViolationLua),
		resetScript:    redis.NewScript(resetViolationsLua),
		now:            time.Now,
	}
}

// shouldNotify reports whether admins hear about a violation: always when it
// caused a ban, otherwise on every NotifyEvery-th violation.
func shouldNotify(count int, justBanned bool) bool {
	return justBanned || count%NotifyEvery == 0
}

// RegisterViolation increments the user's counter by one and stamps the
// violation time. A non-privileged user reaching Threshold is banned.
// Privileged users are counted but never banned automatically.
func (t *Tracker) RegisterViolation(ctx context.Context, userID string, privileged bool) (Outcome, error) {
	priv := "0"
	if privileged {
		priv = "1"
	}
	res, err := t.registerScript.Run(ctx, t.client, []string{TrustPrefix + userID},
		t.now().Unix(), Threshold, priv).Int64Slice()
	if err != nil {
		return Outcome{}, fmt.Errorf("ban: register violation: %w", err)
	}
	if len(res) != 3 {
		return Outcome{}, fmt.Errorf("ban: register violation: unexpected reply %v", res)
	}

	out := Outcome{
		ViolationCount: int(res[0]),
		Banned:         res[1] == 1,
		JustBanned:     res[2] == 1,
	}
	out.ShouldNotifyAdmin = shouldNotify(out.ViolationCount, out.JustBanned)
	if out.JustBanned {
		metrics.BansTotal.WithLabelValues(SourceAuto).Inc()
	}
	return out, nil
}

// ResetViolations sets the counter to zero and clears the last violation
// time. An automatic ban is lifted with it; a manual ban stays.
func (t *Tracker) ResetViolations(ctx context.Context, userID string) error {
	if err := t.resetScript.Run(ctx, t.client, []string{TrustPrefix + userID}).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("ban: reset violations: %w", err)
	}
	return nil
}

// Ban marks the user as banned by an administrator.
func (t *Tracker) Ban(ctx context.Context, userID string) error {
	err := t.client.HSet(ctx, TrustPrefix+userID, "banned", "1", "ban_source", SourceManual).Err()
	if err != nil {
		return fmt.Errorf("ban: ban: %w", err)
	}
	metrics.BansTotal.WithLabelValues(SourceManual).Inc()
	return nil
}

// Unban lifts any ban. The violation counter is left as it is.
func (t *Tracker) Unban(ctx context.Context, userID string) error {
	if err := t.client.HDel(ctx, TrustPrefix+userID, "banned", "ban_source").Err(); err != nil {
		return fmt.Errorf("ban: unban: %w", err)
	}
	return nil
}

// IsBanned reports whether the user is banned. Unknown users are not.
func (t *Tracker) IsBanned(ctx context.Context, userID string) (bool, error) {
	v, err := t.client.HGet(ctx, TrustPrefix+userID, "banned").Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("ban: is banned: %w", err)
	}
	return v == "1", nil
}

// State returns the stored trust state. Unknown users have a zero state.
func (t *Tracker) State(ctx context.Context, userID string) (TrustState, error) {
	fields, err := t.client.HGetAll(ctx, TrustPrefix+userID).Result()
	if err != nil {
		return TrustState{}, fmt.Errorf("ban: state: %w", err)
	}

	st := TrustState{UserID: userID}
	st.ViolationCount, _ = strconv.Atoi(fields["violations"])
	if ts, err := strconv.ParseInt(fields["last_violation_at"], 10, 64); err == nil {
		at := time.Unix(ts, 0).UTC()
		st.LastViolationAt = &at
	}
	st.Banned = fields["banned"] == "1"
	st.BanSource = fields["ban_source"]
	return st, nil
}

// registerViolationLua increments the counter and applies the threshold.
// ARGV: now (unix seconds), threshold, privileged ("1"/"0").
// Returns {count, banned, just_banned}.
const registerViolationLua = `
local key = KEYS[1]
local count = redis.call('HINCRBY', key, 'violations', 1)
redis.call('HSET', key, 'last_violation_at', ARGV[1])

local banned = redis.call('HGET', key, 'banned') == '1'
local just_banned = 0
if not banned and ARGV[3] ~= '1' and count >= tonumber(ARGV[2]) then
    redis.call('HSET', key, 'banned', '1', 'ban_source', 'auto')
    banned = true
    just_banned = 1
end

local banned_flag = 0
if banned then banned_flag = 1 end
return {count, banned_flag, just_banned}
`

// resetViolationsLua zeroes the counter and lifts an automatic ban.
const resetViolationsLua = `
local key = KEYS[1]
redis.call('HSET', key, 'violations', 0)
redis.call('HDEL', key, 'last_violation_at')
if redis.call('HGET', key, 'ban_source') == 'auto' then
    redis.call('HDEL', key, 'banned', 'ban_source')
end
return 1
`
