package sync

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"mailscout/internal/imapx"
)

// The session layer dials with whatever probe the caller wires in; the
// live prober must keep satisfying it.
var _ imapx.NetworkProbe = LiveProber{}

func TestNetworkStateIsSuitable(t *testing.T) {
	assert.False(t, NetworkState{}.IsSuitable())
	assert.True(t, NetworkState{Connected: true, IPv4: true}.IsSuitable())
	assert.True(t, NetworkState{Connected: true}.IsSuitable())
}

func TestNetworkStateIsRecoverable(t *testing.T) {
	offline := NetworkState{}
	v4 := NetworkState{Connected: true, IPv4: true}
	v6 := NetworkState{Connected: true, IPv6: true}
	dual := NetworkState{Connected: true, IPv4: true, IPv6: true}

	// Still offline: nothing to retry with.
	assert.False(t, offline.IsRecoverable(v4))

	// Network came back.
	assert.True(t, v4.IsRecoverable(offline))

	// Family availability changed.
	assert.True(t, v6.IsRecoverable(v4))
	assert.True(t, dual.IsRecoverable(v4))

	// Same network as when the failure happened.
	assert.False(t, v4.IsRecoverable(v4))
}

func TestNetworkStateProbeAccessors(t *testing.T) {
	s := NetworkState{IPv4: true}
	assert.True(t, s.HasIPv4())
	assert.False(t, s.HasIPv6())
}

func TestLiveProberMatchesSnapshot(t *testing.T) {
	p := LiveProber{}
	state := p.State()
	assert.Equal(t, state.IPv4, p.HasIPv4())
	assert.Equal(t, state.IPv6, p.HasIPv6())
}
