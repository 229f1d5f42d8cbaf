package dynamo

import (
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Update accumulates an UpdateExpression. Every attribute is referenced
// through an expression attribute name so reserved words need no special
// handling.
type Update struct {
	sets    []string
	removes []string
	names   map[string]string
	values  map[string]types.AttributeValue
}

// NewUpdate creates an empty Update.
func NewUpdate() *Update {
	return &Update{
		names:  map[string]string{},
		values: map[string]types.AttributeValue{},
	}
}

// Set adds "#attr = :attr".
func (u *Update) Set(attr string, v types.AttributeValue) *Update {
	u.names["#"+attr] = attr
	u.values[":"+attr] = v
	u.sets = append(u.sets, "#"+attr+" = :"+attr)
	return u
}

// Remove adds attr to the REMOVE clause.
func (u *Update) Remove(attr string) *Update {
	u.names["#"+attr] = attr
	u.removes = append(u.removes, "#"+attr)
	return u
}

// SetOrRemove sets a string attribute, or removes it when v is empty.
func (u *Update) SetOrRemove(attr, v string) *Update {
	if v == "" {
		return u.Remove(attr)
	}
	return u.Set(attr, S(v))
}

// Name registers an attribute name for use in a condition expression and
// returns its placeholder.
func (u *Update) Name(attr string) string {
	u.names["#"+attr] = attr
	return "#" + attr
}

// Value registers a value placeholder for use in a condition expression.
func (u *Update) Value(placeholder string, v types.AttributeValue) string {
	u.values[placeholder] = v
	return placeholder
}

// Expression renders the UpdateExpression.
func (u *Update) Expression() string {
	var parts []string
	if len(u.sets) > 0 {
		parts = append(parts, "SET "+strings.Join(u.sets, ", "))
	}
	if len(u.removes) > 0 {
		parts = append(parts, "REMOVE "+strings.Join(u.removes, ", "))
	}
	return strings.Join(parts, " ")
}

// Names returns the expression attribute names.
func (u *Update) Names() map[string]string {
	return u.names
}

// Values returns the expression attribute values, or nil when there are none.
func (u *Update) Values() map[string]types.AttributeValue {
	if len(u.values) == 0 {
		return nil
	}
	return u.values
}
