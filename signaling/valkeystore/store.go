// Package valkeystore implements the signaling.Store interface on top of
// a Valkey server. Each call record is one hash keyed call:<id>; every
// mutation publishes a notification on callsig:<id> so subscribers can
// re-read the hash and diff it against their last snapshot.
package valkeystore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/valkey-io/valkey-go"

	"github.com/opd-ai/peercall/signaling"
)

const (
	keyPrefix     = "call:"
	channelPrefix = "callsig:"

	// Call hashes expire on their own so abandoned records do not
	// accumulate. Two hours comfortably outlives any call.
	recordTTLSeconds = 7200
)

// statusScript applies a status change only when the stored value is
// one it may legally replace. Running the check on the server keeps the
// forward-only rule intact when clients race: a plain read-check-write
// could interleave and move the status backward. ARGV[1] is the next
// status, ARGV[2..] the statuses it may replace.
var statusScript = valkey.NewLuaScript(`
local cur = redis.call('HGET', KEYS[1], 'status')
for i = 2, #ARGV do
	if cur == ARGV[i] then
		redis.call('HSET', KEYS[1], 'status', ARGV[1])
		return 1
	end
end
return 0`)

// Store is a Valkey-backed signaling store.
type Store struct {
	client valkey.Client
	log    *logrus.Entry
}

// Options configures the Valkey connection.
type Options struct {
	// Address is the host:port of the Valkey server.
	Address string
	// Password is optional.
	Password string
}

// New connects to Valkey and verifies the connection with a ping.
func New(opts Options) (*Store, error) {
	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress: []string{opts.Address},
		Password:    opts.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to valkey: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pingCmd := client.B().Ping().Build()
	if err := client.Do(ctx, pingCmd).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping failed: %v", signaling.ErrUnavailable, err)
	}

	return &Store{
		client: client,
		log:    logrus.WithField("component", "valkeystore"),
	}, nil
}

// Close releases the client connection.
func (s *Store) Close() {
	s.client.Close()
}

// Create writes a fresh call hash. The "id" field doubles as the
// existence guard: HSETNX on it fails the create if the record is taken.
func (s *Store) Create(ctx context.Context, rec *signaling.CallRecord) error {
	key := keyPrefix + rec.ID

	setnxCmd := s.client.B().Hsetnx().Key(key).Field("id").Value(rec.ID).Build()
	created, err := s.client.Do(ctx, setnxCmd).AsInt64()
	if err != nil {
		return fmt.Errorf("create call record: %w", err)
	}
	if created == 0 {
		return signaling.ErrAlreadyExists
	}

	fields := encodeRecord(rec)
	cmd := s.client.B().Hset().Key(key).FieldValue()
	for f, v := range fields {
		cmd = cmd.FieldValue(f, v)
	}
	if err := s.client.Do(ctx, cmd.Build()).Error(); err != nil {
		return fmt.Errorf("write call record fields: %w", err)
	}

	expireCmd := s.client.B().Expire().Key(key).Seconds(recordTTLSeconds).Build()
	if err := s.client.Do(ctx, expireCmd).Error(); err != nil {
		s.log.WithError(err).WithField("call_id", rec.ID).Warn("failed to set record TTL")
	}

	s.publish(ctx, rec.ID)
	return nil
}

// Get loads and decodes the call hash.
func (s *Store) Get(ctx context.Context, id string) (*signaling.CallRecord, error) {
	cmd := s.client.B().Hgetall().Key(keyPrefix + id).Build()
	fields, err := s.client.Do(ctx, cmd).AsStrMap()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return nil, signaling.ErrNotFound
		}
		return nil, fmt.Errorf("get call record: %w", err)
	}
	if len(fields) == 0 {
		return nil, signaling.ErrNotFound
	}
	return decodeRecord(fields)
}

// Update applies the patch field by field. AnsweredAt and EndedAt are
// written with HSETNX so the first writer wins; the status transition is
// checked and written atomically by a server-side script. Candidate
// entries go through an HINCRBY counter that both assigns the sequence
// number and enforces the entry cap.
func (s *Store) Update(ctx context.Context, id string, p signaling.Patch) error {
	if p.IsZero() {
		return nil
	}
	key := keyPrefix + id

	existsCmd := s.client.B().Exists().Key(key).Build()
	n, err := s.client.Do(ctx, existsCmd).AsInt64()
	if err != nil {
		return fmt.Errorf("check call record: %w", err)
	}
	if n == 0 {
		return signaling.ErrNotFound
	}

	if p.Status != nil {
		if err := s.updateStatus(ctx, key, *p.Status); err != nil {
			return err
		}
	}
	if p.AnsweredAt != nil {
		if err := s.setTimeOnce(ctx, key, "answered_at", *p.AnsweredAt); err != nil {
			return err
		}
	}
	if p.EndedAt != nil {
		if err := s.setTimeOnce(ctx, key, "ended_at", *p.EndedAt); err != nil {
			return err
		}
	}
	if p.Offer != nil {
		if err := s.setSignal(ctx, key, "offer", p.Offer); err != nil {
			return err
		}
	}
	if p.Answer != nil {
		if err := s.setSignal(ctx, key, "answer", p.Answer); err != nil {
			return err
		}
	}
	if p.AddCandidate != nil {
		if err := s.appendCandidate(ctx, key, p.AddCandidate); err != nil {
			return err
		}
	}

	s.publish(ctx, id)
	return nil
}

// Subscribe listens on the record's pub/sub channel and delivers a fresh
// snapshot for every notification. The returned function cancels the
// subscription.
func (s *Store) Subscribe(ctx context.Context, id string, fn func(signaling.CallRecord)) (signaling.Unsubscribe, error) {
	subCtx, cancel := context.WithCancel(ctx)

	go func() {
		subCmd := s.client.B().Subscribe().Channel(channelPrefix + id).Build()
		err := s.client.Receive(subCtx, subCmd, func(msg valkey.PubSubMessage) {
			rec, gerr := s.Get(subCtx, id)
			if gerr != nil {
				if subCtx.Err() == nil {
					s.log.WithError(gerr).WithField("call_id", id).Warn("failed to load record after notification")
				}
				return
			}
			fn(*rec)
		})
		if err != nil && subCtx.Err() == nil {
			s.log.WithError(err).WithField("call_id", id).Warn("call record subscription ended")
		}
	}()

	return func() { cancel() }, nil
}

func (s *Store) publish(ctx context.Context, id string) {
	cmd := s.client.B().Publish().Channel(channelPrefix + id).Message("updated").Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		s.log.WithError(err).WithField("call_id", id).Warn("failed to publish record notification")
	}
}

func (s *Store) updateStatus(ctx context.Context, key string, next signaling.Status) error {
	args := append([]string{string(next)}, allowedFroms(next)...)
	if err := statusScript.Exec(ctx, s.client, []string{key}, args).Error(); err != nil {
		return fmt.Errorf("write call status: %w", err)
	}
	return nil
}

// allowedFroms lists the statuses next may legally replace, in the
// order the transition script receives them.
func allowedFroms(next signaling.Status) []string {
	var out []string
	for _, from := range []signaling.Status{
		signaling.StatusRinging,
		signaling.StatusAnswered,
		signaling.StatusConnected,
		signaling.StatusDeclined,
		signaling.StatusMissed,
		signaling.StatusEnded,
	} {
		if signaling.CanTransition(from, next) {
			out = append(out, string(from))
		}
	}
	return out
}

func (s *Store) setTimeOnce(ctx context.Context, key, field string, at time.Time) error {
	cmd := s.client.B().Hsetnx().Key(key).Field(field).Value(at.UTC().Format(time.RFC3339Nano)).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("write %s: %w", field, err)
	}
	return nil
}

func (s *Store) setSignal(ctx context.Context, key, name string, sig *signaling.SessionSignal) error {
	cmd := s.client.B().Hset().Key(key).FieldValue().
		FieldValue(name+"_sdp", sig.SDP).
		FieldValue(name+"_at", sig.At.UTC().Format(time.RFC3339Nano)).
		Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

func (s *Store) appendCandidate(ctx context.Context, key string, e *signaling.CandidateEntry) error {
	incrCmd := s.client.B().Hincrby().Key(key).Field("ice_count").Increment(1).Build()
	seq, err := s.client.Do(ctx, incrCmd).AsInt64()
	if err != nil {
		return fmt.Errorf("assign candidate sequence: %w", err)
	}
	if seq > signaling.MaxCandidateEntries {
		return nil
	}
	cmd := s.client.B().Hset().Key(key).FieldValue().
		FieldValue(candidateField(e.From, int(seq)), e.Payload).
		Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("write candidate entry: %w", err)
	}
	return nil
}

func candidateField(from signaling.Origin, seq int) string {
	if from == signaling.OriginInitiator {
		return "ice_init_" + strconv.Itoa(seq)
	}
	return "ice_recv_" + strconv.Itoa(seq)
}
