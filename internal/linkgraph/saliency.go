package linkgraph

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"wendao/internal/kv"
)

// SaliencyPolicy parameterizes how a node's current_saliency decays between
// touches and the floor/ceiling it is clipped to.
type SaliencyPolicy struct {
	Base      float64
	DecayRate float64 // per-day multiplicative decay, in (0,1]
	Minimum   float64
	Maximum   float64
}

// DefaultSaliencyPolicy: new nodes seed at 0.5, decaying 5%/day, clipped to
// [0.05, 1.0].
func DefaultSaliencyPolicy() SaliencyPolicy {
	return SaliencyPolicy{Base: 0.5, DecayRate: 0.95, Minimum: 0.05, Maximum: 1.0}
}

func (p SaliencyPolicy) clip(v float64) float64 {
	if v < p.Minimum {
		return p.Minimum
	}
	if v > p.Maximum {
		return p.Maximum
	}
	return v
}

// computeSaliency seeds a fresh node's saliency from its base, decayed by
// age and lightly boosted per recorded activation.
func computeSaliency(policy SaliencyPolicy, activationCount int, ageSecs int64) float64 {
	ageDays := float64(ageSecs) / 86400
	decayed := policy.Base * math.Pow(policy.DecayRate, ageDays)
	boosted := decayed + float64(activationCount)*0.01
	return policy.clip(boosted)
}

func saliencyKey(prefix, nodeID string) string  { return kv.Key(prefix, "kg", "saliency", nodeID) }
func edgeOutKey(prefix, nodeID string) string   { return kv.Key(prefix, "kg", "edge", "out", nodeID) }
func edgeInKey(prefix, nodeID string) string    { return kv.Key(prefix, "kg", "edge", "in", nodeID) }

// saliencyRecord is the "{saliency}|{last_accessed_unix}|{activation_count}"
// value stored at a saliency key.
type saliencyRecord struct {
	Value           float64
	LastAccessUnix  int64
	ActivationCount int
}

func encodeSaliencyRecord(r saliencyRecord) string {
	return fmt.Sprintf("%g|%d|%d", r.Value, r.LastAccessUnix, r.ActivationCount)
}

func decodeSaliencyRecord(s string) (saliencyRecord, bool) {
	parts := strings.Split(s, "|")
	if len(parts) != 3 {
		return saliencyRecord{}, false
	}
	v, err1 := strconv.ParseFloat(parts[0], 64)
	last, err2 := strconv.ParseInt(parts[1], 10, 64)
	count, err3 := strconv.Atoi(parts[2])
	if err1 != nil || err2 != nil || err3 != nil {
		return saliencyRecord{}, false
	}
	return saliencyRecord{Value: v, LastAccessUnix: last, ActivationCount: count}, true
}

// SyncSaliency seeds a current_saliency record for every document lacking
// one, then mirrors the graph's edges into KV: outgoing edges as a sorted
// set scored by the destination's saliency (for "most salient neighbor"
// reads), incoming edges as a plain set.
func SyncSaliency(ctx context.Context, store *kv.Store, idx *Index, prefix string, policy SaliencyPolicy) error {
	now := time.Now().Unix()
	for id := range idx.Docs {
		key := saliencyKey(prefix, id)
		_, found, err := store.Get(ctx, key)
		if err != nil {
			return err
		}
		if found {
			continue
		}
		rec := saliencyRecord{Value: computeSaliency(policy, 0, 0), LastAccessUnix: now, ActivationCount: 0}
		if err := store.Set(ctx, key, encodeSaliencyRecord(rec), 0); err != nil {
			return err
		}
	}

	for id := range idx.Docs {
		for _, e := range idx.Out[id] {
			destSaliency := policy.Base
			if raw, found, err := store.Get(ctx, saliencyKey(prefix, e.To)); err == nil && found {
				if rec, ok := decodeSaliencyRecord(raw); ok {
					destSaliency = rec.Value
				}
			}
			if err := store.ZAdd(ctx, edgeOutKey(prefix, id), destSaliency, e.To); err != nil {
				return err
			}
			if err := store.SAdd(ctx, edgeInKey(prefix, e.To), id); err != nil {
				return err
			}
		}
	}
	return nil
}

// SaliencyTouch re-applies decay since the node's last access, adds
// deltaActivation, and clips to the policy's [minimum, maximum] — the
// saliency_touch scripted update. overrides, if non-nil, replaces the
// default policy for this call only.
func SaliencyTouch(ctx context.Context, store *kv.Store, prefix, nodeID string, deltaActivation float64, overrides *SaliencyPolicy) (float64, error) {
	policy := DefaultSaliencyPolicy()
	if overrides != nil {
		policy = *overrides
	}
	key := saliencyKey(prefix, nodeID)
	now := time.Now().Unix()

	raw, found, err := store.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	rec := saliencyRecord{Value: policy.Base, LastAccessUnix: now, ActivationCount: 0}
	if found {
		if decoded, ok := decodeSaliencyRecord(raw); ok {
			rec = decoded
		}
	}

	age := now - rec.LastAccessUnix
	decayed := rec.Value * math.Pow(policy.DecayRate, float64(age)/86400)
	rec.ActivationCount += int(deltaActivation)
	next := policy.clip(decayed + deltaActivation*0.01)
	rec.Value = next
	rec.LastAccessUnix = now

	if err := store.Set(ctx, key, encodeSaliencyRecord(rec), 0); err != nil {
		return 0, err
	}
	return next, nil
}
