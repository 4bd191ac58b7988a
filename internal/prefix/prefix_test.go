package prefix

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplit(t *testing.T) {
	cases := []struct {
		key, wantPrefix, wantSuffix string
	}{
		{"abc", "", "abc"},
		{"abc/", "", "abc/"},
		{"a/b", "", "a/b"},
		{"/a/b", "", "/a/b"},
		{"a/b/c", "", "a/b/c"},
		{"/a/b/c", "", "/a/b/c"},
		{"/registry/serviceaccounts/", "/registry/serviceaccounts/", ""},
		{"/registry/pods/kube-system/foo", "/registry/pods/", "kube-system/foo"},
		{"/registry/roles/foo", "/registry/roles/", "foo"},
		{"/registry/apigroup-example.com/my-resources/foo", "/registry/apigroup-example.com/my-resources/", "foo"},
		{"/registry/apigroup-example.com/my-resources/my-namespace/foo", "/registry/apigroup-example.com/my-resources/", "my-namespace/foo"},
	}
	for _, c := range cases {
		p, suffix := Split([]byte(c.key))
		assert.Equal(t, c.wantPrefix, string(p), "prefix for %q", c.key)
		assert.Equal(t, c.wantSuffix, string(suffix), "suffix for %q", c.key)
	}
}

func TestRangeBounds(t *testing.T) {
	p, b, err := RangeBounds([]byte("/registry/serviceaccounts/"), []byte("/registry/serviceaccounts0"))
	require.NoError(t, err)
	assert.Equal(t, "/registry/serviceaccounts/", string(p))
	assert.Equal(t, "", string(b.Lo))
	assert.True(t, b.Unbounded)

	p, b, err = RangeBounds(
		[]byte("/registry/apiextensions.k8s.io/customresourcedefinitions/"),
		[]byte("/registry/apiextensions.k8s.io/customresourcedefinitions0"),
	)
	require.NoError(t, err)
	assert.Equal(t, "/registry/apiextensions.k8s.io/customresourcedefinitions/", string(p))
	assert.True(t, b.Unbounded)

	p, b, err = RangeBounds([]byte("/bootstrap"), []byte("/bootstraq"))
	require.NoError(t, err)
	assert.Equal(t, "", string(p))
	assert.False(t, b.Unbounded)
	assert.Equal(t, "/bootstrap", string(b.Lo))
	assert.Equal(t, "/bootstraq", string(b.Hi))
}

func TestRangeBoundsSingleKey(t *testing.T) {
	p, b, err := RangeBounds([]byte("/registry/pods/kube-system/foo"), nil)
	require.NoError(t, err)
	assert.Equal(t, "/registry/pods/", string(p))
	assert.Equal(t, "kube-system/foo", string(b.Lo))
	assert.True(t, b.Exact)
	assert.False(t, b.Unbounded)
}

func TestRangeBoundsMismatchedPrefix(t *testing.T) {
	_, _, err := RangeBounds([]byte("/registry/pods/a"), []byte("/registry/roles/z"))
	assert.Error(t, err)
}
