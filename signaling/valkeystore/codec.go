package valkeystore

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/opd-ai/peercall/signaling"
)

// encodeRecord flattens a record into hash fields. Times are RFC 3339
// with nanoseconds so timestamp ordering survives the round trip.
func encodeRecord(rec *signaling.CallRecord) map[string]string {
	fields := map[string]string{
		"id":           rec.ID,
		"chat_id":      rec.ChatID,
		"initiator_id": rec.InitiatorID,
		"recipient_id": rec.RecipientID,
		"type":         string(rec.Type),
		"status":       string(rec.Status),
		"started_at":   rec.StartedAt.UTC().Format(time.RFC3339Nano),
	}
	if rec.AnsweredAt != nil {
		fields["answered_at"] = rec.AnsweredAt.UTC().Format(time.RFC3339Nano)
	}
	if rec.EndedAt != nil {
		fields["ended_at"] = rec.EndedAt.UTC().Format(time.RFC3339Nano)
	}
	if rec.Offer != nil {
		fields["offer_sdp"] = rec.Offer.SDP
		fields["offer_at"] = rec.Offer.At.UTC().Format(time.RFC3339Nano)
	}
	if rec.Answer != nil {
		fields["answer_sdp"] = rec.Answer.SDP
		fields["answer_at"] = rec.Answer.At.UTC().Format(time.RFC3339Nano)
	}
	if rec.CandidateCount > 0 {
		fields["ice_count"] = strconv.Itoa(rec.CandidateCount)
	}
	for _, e := range rec.Candidates {
		fields[candidateField(e.From, e.Seq)] = e.Payload
	}
	return fields
}

// decodeRecord rebuilds a record from hash fields. Candidate entries are
// returned ordered by sequence regardless of hash iteration order.
func decodeRecord(fields map[string]string) (*signaling.CallRecord, error) {
	rec := &signaling.CallRecord{
		ID:          fields["id"],
		ChatID:      fields["chat_id"],
		InitiatorID: fields["initiator_id"],
		RecipientID: fields["recipient_id"],
		Type:        signaling.CallType(fields["type"]),
		Status:      signaling.Status(fields["status"]),
	}

	var err error
	if rec.StartedAt, err = parseTime(fields, "started_at"); err != nil {
		return nil, err
	}
	if rec.AnsweredAt, err = parseTimePtr(fields, "answered_at"); err != nil {
		return nil, err
	}
	if rec.EndedAt, err = parseTimePtr(fields, "ended_at"); err != nil {
		return nil, err
	}
	if rec.Offer, err = parseSignal(fields, "offer"); err != nil {
		return nil, err
	}
	if rec.Answer, err = parseSignal(fields, "answer"); err != nil {
		return nil, err
	}

	if raw, ok := fields["ice_count"]; ok {
		if rec.CandidateCount, err = strconv.Atoi(raw); err != nil {
			return nil, fmt.Errorf("decode ice_count %q: %w", raw, err)
		}
	}

	for field, payload := range fields {
		from, seq, ok := parseCandidateField(field)
		if !ok {
			continue
		}
		rec.Candidates = append(rec.Candidates, signaling.CandidateEntry{
			Seq:     seq,
			From:    from,
			Payload: payload,
		})
	}
	sort.Slice(rec.Candidates, func(i, j int) bool {
		return rec.Candidates[i].Seq < rec.Candidates[j].Seq
	})

	return rec, nil
}

func parseTime(fields map[string]string, name string) (time.Time, error) {
	raw, ok := fields[name]
	if !ok {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("decode %s %q: %w", name, raw, err)
	}
	return t, nil
}

func parseTimePtr(fields map[string]string, name string) (*time.Time, error) {
	if _, ok := fields[name]; !ok {
		return nil, nil
	}
	t, err := parseTime(fields, name)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func parseSignal(fields map[string]string, name string) (*signaling.SessionSignal, error) {
	sdp, ok := fields[name+"_sdp"]
	if !ok {
		return nil, nil
	}
	at, err := parseTime(fields, name+"_at")
	if err != nil {
		return nil, err
	}
	return &signaling.SessionSignal{SDP: sdp, At: at}, nil
}

func parseCandidateField(field string) (signaling.Origin, int, bool) {
	var from signaling.Origin
	var rest string
	switch {
	case strings.HasPrefix(field, "ice_init_"):
		from, rest = signaling.OriginInitiator, field[len("ice_init_"):]
	case strings.HasPrefix(field, "ice_recv_"):
		from, rest = signaling.OriginRecipient, field[len("ice_recv_"):]
	default:
		return "", 0, false
	}
	seq, err := strconv.Atoi(rest)
	if err != nil {
		return "", 0, false
	}
	return from, seq, true
}
