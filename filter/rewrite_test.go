package filter

import (
	"testing"

	"github.com/gopacket/gopacket/layers"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"multirx/packet"
	"multirx/packet/packettest"
	"multirx/utils/checksum"
)

func TestRewrite_IPv4(t *testing.T) {
	frame := packettest.UDPv4(t, 22, 0)
	require.NoError(t, Rewrite(packettest.Record(frame, 0)))

	p := packettest.Decode(frame)
	eth := p.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	assert.Equal(t, packettest.DstMAC, eth.SrcMAC)
	assert.Equal(t, packettest.SrcMAC, eth.DstMAC)

	ip := p.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	assert.True(t, ip.SrcIP.Equal(packettest.DstIPv4))
	assert.True(t, ip.DstIP.Equal(packettest.SrcIPv4))
	assert.True(t, checksum.Valid(frame[14:34]), "header checksum survives the swap")

	require.NotNil(t, p.Layer(layers.LayerTypeUDP))
}

func TestRewrite_IPv6(t *testing.T) {
	frame := packettest.UDPv6(t, 16, 0)
	require.NoError(t, Rewrite(packettest.Record(frame, 0)))

	ip := packettest.Decode(frame).Layer(layers.LayerTypeIPv6).(*layers.IPv6)
	assert.True(t, ip.SrcIP.Equal(packettest.DstIPv6))
	assert.True(t, ip.DstIP.Equal(packettest.SrcIPv6))
}

func TestRewrite_FastRegionOnly(t *testing.T) {
	frame := packettest.UDPv4(t, 200, 0)
	orig := append([]byte(nil), frame...)

	rec := packettest.Record(frame, 64)
	require.NoError(t, Rewrite(rec))
	assert.Equal(t, orig[64:], rec.Bulk)
}

func TestRewrite_ShortHeader(t *testing.T) {
	frame := packettest.UDPv4(t, 22, 0)
	orig := append([]byte(nil), frame...)

	err := Rewrite(packettest.Record(frame, 20))
	assert.True(t, errors.Is(err, ErrShortHeader))
	assert.Equal(t, orig, frame, "nothing is swapped on error")

	err = Rewrite(&packet.Record{Fast: make([]byte, 10)})
	assert.True(t, errors.Is(err, ErrShortHeader))
}
