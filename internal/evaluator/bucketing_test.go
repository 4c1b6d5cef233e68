package evaluator

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rafaeljc/bifrost/evalcontext"
)

const bucketEpsilon = 0.0000001

// The expected values pin the bucketing algorithm bit for bit: SHA-1 of
// "hashKey.salt.attributeValue", first 15 hex digits over 0xFFFFFFFFFFFFFFF.
// Rollout assignments are user visible, so these must never drift.
func TestBucketContextByKey(t *testing.T) {
	t.Parallel()
	tests := []struct {
		key      string
		expected float64
	}{
		{"userKeyA", 0.42157587},
		{"userKeyB", 0.67084896},
		{"userKeyC", 0.10343106},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.key, func(t *testing.T) {
			t.Parallel()
			context := evalcontext.New(tc.key)
			bucket := computeBucketValue(context, "", "hashKey", "", "saltyA", nil)
			assert.InDelta(t, tc.expected, bucket, bucketEpsilon)
		})
	}
}

func TestBucketByCustomAttribute(t *testing.T) {
	t.Parallel()
	context := evalcontext.NewBuilder("userKeyA").SetString("team", "blue").Build()

	byTeam := computeBucketValue(context, "", "hashKey", "team", "saltyA", nil)
	byKey := computeBucketValue(context, "", "hashKey", "", "saltyA", nil)
	assert.NotEqual(t, byKey, byTeam)
	// Deterministic for the same inputs.
	assert.Equal(t, byTeam, computeBucketValue(context, "", "hashKey", "team", "saltyA", nil))
}

func TestIntAttributeBucketsLikeItsDecimalString(t *testing.T) {
	t.Parallel()
	asInt := evalcontext.NewBuilder("userKeyA").SetInt("attr", 33333).Build()
	asString := evalcontext.NewBuilder("userKeyA").SetString("attr", "33333").Build()

	intBucket := computeBucketValue(asInt, "", "hashKey", "attr", "saltyA", nil)
	stringBucket := computeBucketValue(asString, "", "hashKey", "attr", "saltyA", nil)
	assert.InDelta(t, 0.54771423, intBucket, bucketEpsilon)
	assert.Equal(t, stringBucket, intBucket)
}

func TestFloatAttributeDoesNotBucket(t *testing.T) {
	t.Parallel()
	context := evalcontext.NewBuilder("userKeyA").SetFloat64("attr", 999.999).Build()
	assert.Zero(t, computeBucketValue(context, "", "hashKey", "attr", "saltyA", nil))

	// A float that happens to be whole is an integer for bucketing purposes.
	whole := evalcontext.NewBuilder("userKeyA").SetFloat64("attr", 33333).Build()
	assert.InDelta(t, 0.54771423,
		computeBucketValue(whole, "", "hashKey", "attr", "saltyA", nil), bucketEpsilon)
}

func TestBoolAttributeDoesNotBucket(t *testing.T) {
	t.Parallel()
	context := evalcontext.NewBuilder("userKeyA").SetBool("attr", true).Build()
	assert.Zero(t, computeBucketValue(context, "", "hashKey", "attr", "saltyA", nil))
}

func TestMissingAttributeBucketsToZero(t *testing.T) {
	t.Parallel()
	context := evalcontext.New("userKeyA")
	assert.Zero(t, computeBucketValue(context, "", "hashKey", "no-such-attr", "saltyA", nil))
}

func TestMissingContextKindBucketsToZero(t *testing.T) {
	t.Parallel()
	context := evalcontext.New("userKeyA")
	assert.Zero(t, computeBucketValue(context, "org", "hashKey", "", "saltyA", nil))
}

func TestSeedReplacesHashKeyAndSalt(t *testing.T) {
	t.Parallel()
	context := evalcontext.New("userKeyA")
	seed := int64(61)

	seeded := computeBucketValue(context, "", "hashKey", "", "saltyA", &seed)
	unseeded := computeBucketValue(context, "", "hashKey", "", "saltyA", nil)
	assert.NotEqual(t, unseeded, seeded)

	// The same seed gives the same bucket regardless of flag key and salt.
	otherFlag := computeBucketValue(context, "", "otherKey", "", "otherSalt", &seed)
	assert.Equal(t, seeded, otherFlag)
}

func TestBucketByKindSpecificContext(t *testing.T) {
	t.Parallel()
	user := evalcontext.New("userKeyA")
	org := evalcontext.NewWithKind("org", "userKeyA")
	multi := evalcontext.NewMulti(user, org)

	// The org member carries the same key, so bucketing it matches the plain
	// user bucket for identical inputs.
	fromMulti := computeBucketValue(multi, "org", "hashKey", "", "saltyA", nil)
	assert.InDelta(t, 0.42157587, fromMulti, bucketEpsilon)
}
