package raw

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"multirx/packet/packettest"
)

func TestReceiver_Buffers(t *testing.T) {
	frames := [][]byte{
		packettest.UDPv4(t, 22, 1),
		packettest.UDPv4(t, 300, 2),
	}
	calls := 0
	recv := func(buf []byte) (int, error) {
		calls++
		if calls == 1 {
			return 0, unix.EAGAIN
		}
		f := frames[0]
		frames = frames[1:]
		return copy(buf, f), nil
	}

	r := newReceiver(recv, 2, 2048, 128)

	first, err := r.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint32(64), first.Length)
	assert.Equal(t, uint16(0x0800), first.Proto)

	second, err := r.Receive(context.Background())
	require.NoError(t, err)
	assert.Len(t, second.Fast, 128)
	assert.Len(t, second.Bulk, 342-128)
	assert.NotEqual(t, first.Ref, second.Ref)

	_, err = r.Receive(context.Background())
	assert.True(t, errors.Is(err, ErrNoBuffer))

	r.Release(first)
	assert.Len(t, r.free, 1)
}

func TestReceiver_Cancelled(t *testing.T) {
	r := newReceiver(func([]byte) (int, error) { return 0, unix.EAGAIN }, 1, 64, 64)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := r.Receive(ctx)
	assert.Equal(t, context.DeadlineExceeded, err)
}

// Needs root and traffic on the interface:
//
//	MULTIRX_RAW_IFACE=ens18 go test ./utils/raw
func TestReceiver_Interface(t *testing.T) {
	iface := os.Getenv("MULTIRX_RAW_IFACE")
	if iface == "" {
		t.Skip("MULTIRX_RAW_IFACE not set")
	}

	r, err := New(iface, unix.ETH_P_ALL, 4, 9000, 256)
	require.NoError(t, err)
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rec, err := r.Receive(ctx)
	require.NoError(t, err)
	frame := append(append([]byte(nil), rec.Fast...), rec.Bulk...)
	p := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.NoCopy)
	t.Logf("%+v", p)
	assert.NotNil(t, p.Layer(layers.LayerTypeEthernet))
	r.Release(rec)
}
