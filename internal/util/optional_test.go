package util

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptional_JSON(t *testing.T) {
	type payload struct {
		Accuracy Optional[float64] `json:"accuracy"`
	}

	var withValue payload
	require.NoError(t, json.Unmarshal([]byte(`{"accuracy": 12.5}`), &withValue))
	assert.True(t, withValue.Accuracy.IsSet)
	assert.Equal(t, 12.5, withValue.Accuracy.Val)

	var withNull payload
	require.NoError(t, json.Unmarshal([]byte(`{"accuracy": null}`), &withNull))
	assert.False(t, withNull.Accuracy.IsSet)

	out, err := json.Marshal(payload{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"accuracy": null}`, string(out))
}

func TestOptional_Scan(t *testing.T) {
	var f Optional[float64]
	require.NoError(t, f.Scan(3.5))
	assert.Equal(t, Some(3.5), f)

	require.NoError(t, f.Scan(nil))
	assert.False(t, f.IsSet)

	var ts Optional[time.Time]
	assert.Error(t, ts.Scan("not a time"))
}

func TestOptional_Value(t *testing.T) {
	v, err := None[float64]().Value()
	require.NoError(t, err)
	assert.Nil(t, v)

	v, err = Some(4.5).Value()
	require.NoError(t, err)
	assert.Equal(t, 4.5, v)
}

func TestOptional_Ptr(t *testing.T) {
	assert.Nil(t, None[int]().Ptr())

	v := 7
	o := FromPtr(&v)
	require.NotNil(t, o.Ptr())
	assert.Equal(t, 7, *o.Ptr())
	assert.Equal(t, 3, FromPtr[int](nil).Or(3))
}
