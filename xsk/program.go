// Copyright 2019 Asavie Technologies Ltd. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file in the root of the source
// tree.

package xsk

import (
	"time"

	"github.com/cilium/ebpf"
	"github.com/pkg/errors"
	"github.com/vishvananda/netlink"

	"multirx/utils/binary"
)

// Object names the XDP program and its socket map are looked up by.
const (
	ProgramName   = "xsk_program"
	SocketMapName = "xsks_map"
	// optional, ethertypes (network order) dropped before reaching a socket
	ExcludedTypesMapName = "excluded_types"
)

// Program is the XDP program redirecting every rx queue to the socket
// registered for it.
type Program struct {
	coll             *ebpf.Collection
	program          *ebpf.Program
	mapSockets       *ebpf.Map
	mapExcludedTypes *ebpf.Map
}

// LoadProgram loads the compiled XDP object at path into the kernel.
func LoadProgram(path string) (*Program, error) {
	spec, err := ebpf.LoadCollectionSpec(path)
	if err != nil {
		return nil, errors.Wrapf(err, "load object %s failed", path)
	}

	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		return nil, errors.Wrap(err, "create collection failed")
	}

	p := &Program{
		coll:       coll,
		program:    coll.Programs[ProgramName],
		mapSockets: coll.Maps[SocketMapName],

		mapExcludedTypes: coll.Maps[ExcludedTypesMapName],
	}
	if p.program == nil || p.mapSockets == nil {
		coll.Close()
		return nil, errors.Errorf("object %s has no %s program or %s map", path, ProgramName, SocketMapName)
	}

	return p, nil
}

// Attach the XDP Program to an interface.
func (p *Program) Attach(Ifindex int) error {
	if err := removeProgram(Ifindex); err != nil {
		return err
	}
	return attachProgram(Ifindex, p.program)
}

// Detach the XDP Program from an interface.
func (p *Program) Detach(Ifindex int) error {
	return removeProgram(Ifindex)
}

// RegisterFD directs the frames of queueID to the socket fd.
func (p *Program) RegisterFD(queueID int, fd int) error {
	if err := p.mapSockets.Put(uint32(queueID), uint32(fd)); err != nil {
		return errors.Wrapf(err, "register socket for queue %d failed", queueID)
	}
	return nil
}

func (p *Program) UnregisterFD(queueID int) error {
	if err := p.mapSockets.Delete(uint32(queueID)); err != nil {
		return errors.Wrapf(err, "unregister socket for queue %d failed", queueID)
	}
	return nil
}

// SetExcludedTypes replaces the ethertypes (host order) the program drops in
// the kernel. Objects without the excluded_types map ignore it.
func (p *Program) SetExcludedTypes(types []uint16) error {
	if p.mapExcludedTypes == nil {
		return nil
	}

	want := make(map[uint16]bool, len(types))
	for _, t := range types {
		want[binary.Htons16(t)] = true
	}

	var (
		key   uint16
		value uint8
		stale []uint16
	)
	iter := p.mapExcludedTypes.Iterate()
	for iter.Next(&key, &value) {
		if !want[key] {
			stale = append(stale, key)
		}
	}
	if err := iter.Err(); err != nil {
		return errors.Wrap(err, "iterate excluded types failed")
	}

	for _, k := range stale {
		if err := p.mapExcludedTypes.Delete(k); err != nil {
			return errors.Wrapf(err, "delete excluded type %#04x failed", binary.Ntohs16(k))
		}
	}
	for k := range want {
		if err := p.mapExcludedTypes.Put(k, uint8(1)); err != nil {
			return errors.Wrapf(err, "put excluded type %#04x failed", binary.Ntohs16(k))
		}
	}
	return nil
}

// Close releases the program and its maps. An attached program stays on
// the interface until Detach.
func (p *Program) Close() error {
	if p.coll != nil {
		p.coll.Close()
		p.coll = nil
		p.program = nil
		p.mapSockets = nil
		p.mapExcludedTypes = nil
	}
	return nil
}

// removeProgram removes an existing XDP program from the given network interface.
func removeProgram(Ifindex int) error {
	var link netlink.Link
	var err error
	link, err = netlink.LinkByIndex(Ifindex)
	if err != nil {
		return errors.Wrap(err, "get link by index failed")
	}
	if !isXdpAttached(link) {
		return nil
	}
	if err = netlink.LinkSetXdpFd(link, -1); err != nil {
		return errors.Wrap(err, "netlink.LinkSetXdpFd(link, -1) failed")
	}
	for {
		link, err = netlink.LinkByIndex(Ifindex)
		if err != nil {
			return errors.Wrap(err, "get link by index failed")
		}
		if !isXdpAttached(link) {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	return nil
}

func isXdpAttached(link netlink.Link) bool {
	return link.Attrs() != nil && link.Attrs().Xdp != nil && link.Attrs().Xdp.Attached
}

// attachProgram attaches the given XDP program to the network interface.
func attachProgram(Ifindex int, program *ebpf.Program) error {
	link, err := netlink.LinkByIndex(Ifindex)
	if err != nil {
		return errors.Wrap(err, "get link by index failed")
	}

	if err = netlink.LinkSetXdpFdWithFlags(link, program.FD(), int(DefaultXdpFlags)); err != nil {
		return errors.Wrap(err, "netlink.LinkSetXdpFdWithFlags set failed")
	}

	return nil
}
