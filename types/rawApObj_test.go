package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRawApObjDottedPaths(t *testing.T) {
	obj, err := LoadAsRawApObj([]byte(`{
		"id": "https://remote.example/notes/1",
		"endpoints": {"sharedInbox": "https://remote.example/inbox"},
		"publicKey": {"publicKeyPem": "PEM"}
	}`))
	require.NoError(t, err)

	assert.Equal(t, "https://remote.example/inbox", obj.MustGetString("endpoints.sharedInbox"))
	assert.Equal(t, "PEM", obj.MustGetString("publicKey.publicKeyPem"))
	assert.Empty(t, obj.MustGetString("endpoints.missing"))
	assert.Empty(t, obj.MustGetString("id.not.a.map"))
}

func TestRawApObjGetStringUnwrapsLists(t *testing.T) {
	obj := NewRawApObj(map[string]any{
		"url":   []any{"https://remote.example/a", "https://remote.example/b"},
		"empty": []any{},
		"num":   float64(3),
	})

	assert.Equal(t, "https://remote.example/a", obj.MustGetString("url"))
	assert.Empty(t, obj.MustGetString("empty"))
	assert.Empty(t, obj.MustGetString("num"))
}

func TestRawApObjGetListCoercesScalars(t *testing.T) {
	obj := NewRawApObj(map[string]any{
		"to": "https://remote.example/followers",
		"cc": []any{"a", "b"},
	})

	assert.Equal(t, []any{"https://remote.example/followers"}, obj.GetList("to"))
	assert.Equal(t, []any{"a", "b"}, obj.GetList("cc"))
	assert.Nil(t, obj.GetList("bto"))
}

func TestRawApObjGetRawListDropsNonMaps(t *testing.T) {
	obj := NewRawApObj(map[string]any{
		"tag": []any{
			map[string]any{"type": "Hashtag", "name": "#go"},
			"not an object",
			map[string]any{"type": "Mention"},
		},
	})

	items := obj.GetRawList("tag")
	require.Len(t, items, 2)
	assert.Equal(t, "Hashtag", items[0].MustGetString("type"))
}

func TestRawApObjHasAndTypes(t *testing.T) {
	obj := NewRawApObj(map[string]any{
		"sensitive": true,
		"count":     float64(7),
	})

	assert.True(t, obj.Has("sensitive"))
	assert.False(t, obj.Has("signature"))

	sensitive, ok := obj.GetBool("sensitive")
	assert.True(t, ok)
	assert.True(t, sensitive)

	count, ok := obj.GetNumber("count")
	assert.True(t, ok)
	assert.Equal(t, float64(7), count)

	_, ok = obj.GetBool("count")
	assert.False(t, ok)
}
