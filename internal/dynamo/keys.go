// Package dynamo provides shared DynamoDB constants and utilities.
package dynamo

import (
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const (
	// Primary key attributes.
	AttrPK = "pk"
	AttrSK = "sk"

	// Key prefixes.
	PrefixAccount = "ACCOUNT#"
	PrefixWebhook = "WEBHOOK#"

	// Sparse GSI attributes, shared by the credential expiry index and the
	// pending webhook event index.
	AttrGSI1PK = "gsi1pk"
	AttrGSI1SK = "gsi1sk"

	// TTL attribute (epoch seconds).
	AttrTTL = "ttl"

	// Index names.
	IndexGSI1 = "gsi1"
)

// AccountPK returns the partition key for items owned by an account.
func AccountPK(accountID string) string {
	return PrefixAccount + accountID
}

// S builds a string attribute value.
func S(v string) *types.AttributeValueMemberS {
	return &types.AttributeValueMemberS{Value: v}
}

// N builds a number attribute value from an integer.
func N(v int64) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(v, 10)}
}

// Time builds a string attribute value holding t in RFC3339 (UTC).
func Time(t time.Time) *types.AttributeValueMemberS {
	return &types.AttributeValueMemberS{Value: t.UTC().Format(time.RFC3339)}
}

// GetString returns the string attribute named key, or "".
func GetString(item map[string]types.AttributeValue, key string) string {
	if v, ok := item[key].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

// GetInt returns the number attribute named key, or 0.
func GetInt(item map[string]types.AttributeValue, key string) int64 {
	if v, ok := item[key].(*types.AttributeValueMemberN); ok {
		if n, err := strconv.ParseInt(v.Value, 10, 64); err == nil {
			return n
		}
	}
	return 0
}

// GetBool returns the boolean attribute named key, or false.
func GetBool(item map[string]types.AttributeValue, key string) bool {
	if v, ok := item[key].(*types.AttributeValueMemberBOOL); ok {
		return v.Value
	}
	return false
}

// GetTime parses the RFC3339 string attribute named key. Missing or
// malformed values yield the zero time.
func GetTime(item map[string]types.AttributeValue, key string) time.Time {
	if v, ok := item[key].(*types.AttributeValueMemberS); ok {
		if t, err := time.Parse(time.RFC3339, v.Value); err == nil {
			return t
		}
	}
	return time.Time{}
}

// GetStringSet returns the string-set attribute named key, or nil.
func GetStringSet(item map[string]types.AttributeValue, key string) []string {
	if v, ok := item[key].(*types.AttributeValueMemberSS); ok {
		return v.Value
	}
	return nil
}
