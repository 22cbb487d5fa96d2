package mvs

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/grafana/tdump/pkg/tdump/mvs/mvstest"
)

var seq = mvstest.Seq

type fixture struct {
	*mvstest.Builder
	t *testing.T
}

func newFixture(t *testing.T) *fixture {
	return &fixture{Builder: mvstest.New(t), t: t}
}

func (f *fixture) walker(bits int) *Walker {
	return f.walkerWith(bits, Options{})
}

func (f *fixture) walkerWith(bits int, opts Options) *Walker {
	w, err := New(f.Space(1, bits), opts)
	require.NoError(f.t, err)
	return w
}
