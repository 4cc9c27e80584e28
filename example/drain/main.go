package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	log "github.com/sirupsen/logrus"

	"multirx/ring"
	"multirx/shm"
)

func main() {
	path := flag.String("shm", "/dev/shm/multirx", "shared ring segment")
	recordSize := flag.Int("record", 64, "size of every record in the ring")
	verbose := flag.Bool("v", false, "log every decoded record")
	flag.Parse()

	log.SetOutput(os.Stdout)
	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	seg, err := shm.Open(*path)
	if err != nil {
		log.Fatalf("%+v", err)
	}
	defer seg.Close()

	consumer, err := waitConsumer(ctx, seg)
	if err != nil {
		log.Fatalf("%+v", err)
	}

	var records, undecodable uint64
	buf := make([]byte, *recordSize)
	tc := time.NewTicker(10 * time.Second)
	defer tc.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Infof("records=%d undecodable=%d", records, undecodable)
			return
		case <-tc.C:
			log.Infof("[Status] records=%d undecodable=%d pending=%d", records, undecodable, consumer.Readable())
		default:
		}

		if consumer.Readable() < uint64(*recordSize) {
			time.Sleep(50 * time.Microsecond)
			continue
		}
		consumer.Read(buf)
		records++

		p := gopacket.NewPacket(buf, layers.LayerTypeEthernet, gopacket.NoCopy)
		if p.ErrorLayer() != nil {
			undecodable++
			continue
		}
		if log.IsLevelEnabled(log.DebugLevel) {
			log.Debug(p.String())
		}
	}
}

// waitConsumer polls until the forwarder published the ring.
func waitConsumer(ctx context.Context, seg *shm.Segment) (*ring.Consumer, error) {
	for {
		c, err := ring.NewConsumer(seg.Meta(), seg.Data())
		if err == nil {
			if base := seg.Meta().Base; base != seg.Base() {
				log.Warnf("ring base %d, expected %d", base, seg.Base())
			}
			log.Infof("ring attached: capacity=%d", seg.Meta().Capacity)
			return c, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}
