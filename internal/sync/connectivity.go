package sync

import (
	"net"
)

// NetworkState is a snapshot of the device's connectivity, taken from
// the local interfaces. The remote page loop consults it between
// messages so a vanished network stops the batch instead of timing
// out on every remaining fetch.
type NetworkState struct {
	Connected bool
	IPv4      bool
	IPv6      bool
}

// ProbeNetwork inspects the local interfaces and reports which address
// families have a global unicast address.
func ProbeNetwork() NetworkState {
	var state NetworkState

	ifaces, err := net.Interfaces()
	if err != nil {
		return state
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok || !ipNet.IP.IsGlobalUnicast() {
				continue
			}
			state.Connected = true
			if ipNet.IP.To4() != nil {
				state.IPv4 = true
			} else {
				state.IPv6 = true
			}
		}
	}
	return state
}

// IsSuitable reports whether the network can carry a mail session.
func (s NetworkState) IsSuitable() bool {
	return s.Connected
}

// IsRecoverable reports whether a failure under the previous state is
// worth retrying under the current one: a network that came back, or
// changed family availability, makes a reconnect attempt sensible.
func (s NetworkState) IsRecoverable(previous NetworkState) bool {
	if !s.Connected {
		return false
	}
	return !previous.Connected || s.IPv4 != previous.IPv4 || s.IPv6 != previous.IPv6
}

// HasIPv4 reports IPv4 availability; part of the session's dial
// fallback probe.
func (s NetworkState) HasIPv4() bool { return s.IPv4 }

// HasIPv6 reports IPv6 availability.
func (s NetworkState) HasIPv6() bool { return s.IPv6 }

// Prober supplies network snapshots on demand.
type Prober interface {
	State() NetworkState
}

// LiveProber probes the real interfaces on every call. It satisfies
// both the synchronizer's Prober and the session layer's dial probe.
type LiveProber struct{}

func (LiveProber) State() NetworkState { return ProbeNetwork() }

func (LiveProber) HasIPv4() bool { return ProbeNetwork().IPv4 }

func (LiveProber) HasIPv6() bool { return ProbeNetwork().IPv6 }
