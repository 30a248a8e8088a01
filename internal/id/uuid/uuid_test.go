package uuid

import (
	"regexp"
	"testing"

	goUUID "github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestGeneratorNewID(t *testing.T) {
	t.Parallel()

	gen := NewUUIDGenerator()
	id1, err := gen.NewID()
	require.NoError(t, err)
	id2, err := gen.NewID()
	require.NoError(t, err)

	require.NotEqual(t, id1, id2)
	_, err = goUUID.Parse(id1)
	require.NoError(t, err)
}

func TestGeneratorNewTaskID(t *testing.T) {
	t.Parallel()

	gen := NewUUIDGenerator()
	id, err := gen.NewTaskID("scan_nyaa")
	require.NoError(t, err)
	require.Regexp(t, regexp.MustCompile(`^scan_nyaa_[0-9a-f]{12}$`), id)

	other, err := gen.NewTaskID("scan_nyaa")
	require.NoError(t, err)
	require.NotEqual(t, id, other)
}
