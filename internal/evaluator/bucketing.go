package evaluator

import (
	"crypto/sha1" //nolint:gosec // not used for security; the bucketing contract requires SHA-1
	"encoding/hex"
	"math"
	"strconv"

	"github.com/rafaeljc/bifrost/evalcontext"
	"github.com/rafaeljc/bifrost/internal/model"
)

// longScale is the value of 15 hex digits of all Fs: the denominator that
// maps the truncated hash to [0,1).
const longScale = float64(0xFFFFFFFFFFFFFFF)

// computeBucketValue maps a context deterministically into [0,1) for rollout
// and segment-weight decisions.
//
// The input string is "hashKey.salt.attributeValue", or
// "seed.attributeValue" when an experiment seed is present (the seed
// replaces both hash key and salt so assignments survive flag edits). The
// SHA-1 hex digest's first 15 characters, read as an integer and divided by
// longScale, give the bucket. The algorithm is bit-for-bit identical across
// SDK implementations because it determines user-visible rollout
// assignments.
//
// Only string and integer attribute values participate in bucketing: an
// integer buckets identically to its decimal string form, while floats,
// booleans and everything else land in bucket 0.0. That asymmetry is part of
// the cross-SDK contract and must not be normalized away.
func computeBucketValue(
	context evalcontext.Context,
	kind evalcontext.Kind,
	hashKey string,
	bucketBy string,
	salt string,
	seed *int64,
) float64 {
	individual, ok := context.IndividualContextByKind(kind)
	if !ok {
		return 0
	}
	ref := evalcontext.NewRef("key")
	if bucketBy != "" {
		ref = evalcontext.NewRef(bucketBy)
	}
	value, ok := individual.GetValue(ref)
	if !ok {
		return 0
	}
	hashInput, ok := bucketableStringValue(value)
	if !ok {
		return 0
	}
	var prefix string
	if seed != nil {
		prefix = strconv.FormatInt(*seed, 10)
	} else {
		prefix = hashKey + "." + salt
	}
	sum := sha1.Sum([]byte(prefix + "." + hashInput)) //nolint:gosec
	hash := hex.EncodeToString(sum[:])[:15]
	n, err := strconv.ParseUint(hash, 16, 64)
	if err != nil {
		return 0
	}
	return float64(n) / longScale
}

// bucketableStringValue converts an attribute value to its bucketing string
// form: strings pass through, integer-valued numbers use their decimal form,
// everything else does not participate.
func bucketableStringValue(value any) (string, bool) {
	if s, ok := value.(string); ok {
		return s, true
	}
	if f, ok := model.NumberAsFloat64(value); ok {
		if f == math.Trunc(f) && !math.IsInf(f, 0) && !math.IsNaN(f) {
			return strconv.FormatInt(int64(f), 10), true
		}
	}
	return "", false
}
