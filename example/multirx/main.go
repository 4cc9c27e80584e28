package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/cilium/ebpf/rlimit"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"multirx/config"
	"multirx/dma"
	"multirx/filter"
	"multirx/metrics"
	"multirx/ring"
	"multirx/shm"
	"multirx/utils/raw"
	"multirx/worker"
	"multirx/xsk"
)

// engine is what every receive engine offers a worker.
type engine interface {
	worker.ReceiveEngine
	worker.BufferPool
}

func main() {
	configPath := flag.String("config", "multirx.yaml", "config file")
	flag.Parse()

	log.SetOutput(os.Stdout)

	reloader, err := config.NewReloadable(*configPath)
	if err != nil {
		log.Fatalf("load config failed: %+v", err)
	}
	defer reloader.Close()
	cfg := reloader.Get()
	cfg.ApplyLogLevel()

	if runtime.NumCPU() <= 2 {
		runtime.GOMAXPROCS(4)
	}

	if err = run(cfg, reloader); err != nil {
		log.Fatalf("%+v", err)
	}
}

func run(cfg *config.Config, reloader *config.Reloadable) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		seg *shm.Segment
		err error
	)
	if cfg.Ring.Path != "" {
		seg, err = shm.Create(cfg.Ring.Path, cfg.Ring.Capacity)
	} else {
		seg, err = shm.NewMemory(cfg.Ring.Capacity)
	}
	if err != nil {
		return err
	}
	defer seg.Close()

	copier := dma.NewCopyEngine(seg.Data(), cfg.DMA.Lanes, cfg.DMA.Depth)
	defer copier.Close()

	engines, program, cleanup, err := openEngines(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	f := filter.New(cfg.Filter.Rules())
	reloader.Watch(func(old, new *config.Config) {
		f.Update(new.Filter.Rules())
		if program != nil {
			if err := program.SetExcludedTypes(new.Filter.ExcludedTypes); err != nil {
				log.Errorf("%+v", err)
			}
		}
		new.ApplyLogLevel()
	})

	barrier := ring.NewBarrier(seg.Meta())
	workers := make([]*worker.Worker, len(engines))
	sources := make([]metrics.WorkerSource, len(engines))
	for i, e := range engines {
		workers[i] = worker.New(worker.Options{
			ID:       i,
			Capacity: seg.Capacity(),
			Base:     seg.Base(),
		}, e, e, f, barrier, copier)
		sources[i] = workers[i]
	}
	group := worker.NewGroup(workers...)

	if cfg.Metrics.Listen != "" {
		collector := metrics.NewCollector(func() *ring.Controller {
			if !barrier.Published() {
				return nil
			}
			c, _ := barrier.Wait(ctx)
			return c
		}, sources, copier)
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Listen, metrics.NewRegistry(collector)); err != nil {
				log.Errorf("%+v", err)
			}
		}()
	}

	go func() {
		tc := time.NewTicker(time.Second * 60)
		defer tc.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tc.C:
			}
			s := group.Stats()
			log.Infof("[Status] received=%d dropped=%d accepted=%d bytes=%d transfer_failures=%d",
				s.Received, s.Dropped, s.Accepted, s.CommittedBytes, s.TransferFailures)
		}
	}()

	return group.Run(ctx)
}

func openEngines(cfg *config.Config) ([]engine, *xsk.Program, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) ([]engine, *xsk.Program, func(), error) {
		cleanup()
		return nil, nil, nil, err
	}

	ec := cfg.Engine
	var engines []engine

	if ec.Type == config.EngineRaw {
		for _, q := range ec.Queues {
			r, err := raw.New(ec.Interface, unix.ETH_P_ALL, ec.NumFrame, ec.SizeFrame, ec.FastRegionSize)
			if err != nil {
				return fail(errors.WithMessagef(err, "raw socket for queue %d", q))
			}
			closers = append(closers, func() { r.Close() })
			r.SetQueue(q)
			if len(ec.Queues) > 1 {
				if err = r.JoinFanout(uint16(os.Getpid())); err != nil {
					return fail(err)
				}
			}
			engines = append(engines, r)
		}
		return engines, nil, cleanup, nil
	}

	if err := rlimit.RemoveMemlock(); err != nil {
		return fail(errors.Wrap(err, "remove memlock rlimit"))
	}
	if ec.NeedWakeup {
		xsk.DefaultSocketFlags = unix.XDP_USE_NEED_WAKEUP
	}

	link, err := netlink.LinkByName(ec.Interface)
	if err != nil {
		return fail(errors.Wrapf(err, "link %s", ec.Interface))
	}
	ifindex := link.Attrs().Index

	program, err := xsk.LoadProgram(ec.Program)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, func() { program.Close() })
	if err = program.SetExcludedTypes(cfg.Filter.ExcludedTypes); err != nil {
		return fail(err)
	}
	if err = program.Attach(ifindex); err != nil {
		return fail(err)
	}
	closers = append(closers, func() {
		if err := program.Detach(ifindex); err != nil {
			log.Errorf("detach failed: %+v", err)
		}
	})

	for _, q := range ec.Queues {
		opts := xsk.SocketOptions{
			NumFrame:              ec.NumFrame,
			SizeFrame:             ec.SizeFrame,
			NumFillRingDesc:       ec.NumFrame / 2,
			NumCompletionRingDesc: 64,
			NumRxRingDesc:         ec.NumFrame / 2,
			UseHugePage:           ec.UseHugePage,
			HugePage1Gb:           ec.HugePage1Gb,
		}
		sock, err := xsk.NewSocket(ifindex, q, &opts)
		if err != nil {
			return fail(errors.WithMessagef(err, "xdp socket for queue %d", q))
		}
		closers = append(closers, func() { sock.Close() })

		if err = program.RegisterFD(q, sock.FD()); err != nil {
			return fail(err)
		}
		engines = append(engines, xsk.NewReceiver(sock, ec.FastRegionSize))
	}

	return engines, program, cleanup, nil
}
