package filter

import (
	"sync/atomic"

	"multirx/layers"
	"multirx/packet"
	"multirx/utils/checksum"
)

// Predicate decides whether a record may enter the ring.
type Predicate func(rec *packet.Record) bool

// Rules are the reloadable accept criteria.
type Rules struct {
	// ExcludedTypes lists ethertypes (host order) that are always dropped.
	ExcludedTypes []uint16
	// ExpectedLength is the only accepted frame length, 0 accepts any.
	ExpectedLength uint32
	// VerifyIPv4Checksum drops IPv4 frames whose header checksum is broken.
	VerifyIPv4Checksum bool
}

// DefaultRules drops link layer discovery frames and everything that is not
// exactly 64 bytes long.
func DefaultRules() Rules {
	return Rules{
		ExcludedTypes:  []uint16{uint16(layers.EthernetTypeLinkLayerDiscovery)},
		ExpectedLength: 64,
	}
}

// compiled form of Rules, swapped as a whole
type ruleSet struct {
	excluded map[uint16]struct{}
	length   uint32
	checksum bool
}

func compile(r Rules) *ruleSet {
	rs := &ruleSet{
		excluded: make(map[uint16]struct{}, len(r.ExcludedTypes)),
		length:   r.ExpectedLength,
		checksum: r.VerifyIPv4Checksum,
	}
	for _, t := range r.ExcludedTypes {
		rs.excluded[t] = struct{}{}
	}
	return rs
}

// Filter is safe for concurrent use. Rules can be replaced while workers
// are running, each record is judged against one consistent rule set.
type Filter struct {
	rules atomic.Value // *ruleSet
	extra []Predicate
}

// New builds a filter from rules plus additional predicates that must all
// pass. The extra predicates are fixed for the filter's lifetime.
func New(rules Rules, extra ...Predicate) *Filter {
	f := &Filter{extra: extra}
	f.rules.Store(compile(rules))
	return f
}

// Update atomically replaces the rules.
func (f *Filter) Update(rules Rules) {
	f.rules.Store(compile(rules))
}

func (f *Filter) Accept(rec *packet.Record) bool {
	rs := f.rules.Load().(*ruleSet)

	if _, ok := rs.excluded[rec.Proto]; ok {
		return false
	}
	if rs.length != 0 && rec.Length != rs.length {
		return false
	}
	if rs.checksum && rec.Proto == uint16(layers.EthernetTypeIPv4) && !validIPv4(rec.Fast) {
		return false
	}

	for _, p := range f.extra {
		if !p(rec) {
			return false
		}
	}
	return true
}

func validIPv4(frame []byte) bool {
	if len(frame) < layers.LengthEthernet+layers.LengthIPv4Min {
		return false
	}
	raw := frame[layers.LengthEthernet:]
	ip4 := *(*layers.IPv4)(&raw)
	ihl := int(ip4.GetIHL())
	if ihl < layers.LengthIPv4Min || len(raw) < ihl {
		return false
	}
	return checksum.Valid(raw[:ihl])
}
