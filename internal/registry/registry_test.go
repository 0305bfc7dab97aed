package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithDBName(t *testing.T) {
	out, err := WithDBName("postgres://sim:pw@db:5432/old?sslmode=disable", "fleet")
	require.NoError(t, err)
	assert.Equal(t, "postgres://sim:pw@db:5432/fleet?sslmode=disable", out)

	out, err = WithDBName("postgresql://db/old", "/fleet")
	require.NoError(t, err)
	assert.Equal(t, "postgresql://db/fleet", out)

	_, err = WithDBName("", "fleet")
	assert.Error(t, err)
}

func TestParseGeometry(t *testing.T) {
	raw := []byte(`{"type":"LineString","coordinates":[[-59.60,13.10],[-59.61,13.11]]}`)
	ls, err := parseGeometry(raw)
	require.NoError(t, err)
	assert.Equal(t, "LineString", ls.Type)
	require.Len(t, ls.Coordinates, 2)
	assert.Equal(t, -59.60, ls.Coordinates[0][0])
	assert.Equal(t, 13.10, ls.Coordinates[0][1])

	_, err = parseGeometry([]byte(`{`))
	assert.Error(t, err)
}

func TestNewStrategySelection(t *testing.T) {
	s, err := NewStrategy("legacy", nil)
	require.NoError(t, err)
	assert.IsType(t, &LegacyStrategy{}, s)

	s, err = NewStrategy("", nil)
	require.NoError(t, err)
	assert.IsType(t, &RelationalStrategy{}, s)

	s, err = NewStrategy("relational", nil)
	require.NoError(t, err)
	assert.IsType(t, &RelationalStrategy{}, s)

	_, err = NewStrategy("csv", nil)
	assert.Error(t, err)
}
