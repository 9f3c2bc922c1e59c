package sni

import (
	"container/list"
	"net"
	"net/netip"
	"regexp"
	"strings"
	"sync"

	"github.com/daniellavrushin/b4tun/config"
	"github.com/yl2chen/cidranger"
)

const domainCacheLimit = 2000

// Matcher decides which destinations receive evasion. A Matcher built from
// empty target lists matches everything.
type Matcher struct {
	domains  map[string]struct{}
	regexes  []*regexp.Regexp
	ipRanger cidranger.Ranger
	ipCount  int

	cacheMu  sync.Mutex
	cache    map[string]*list.Element
	cacheLRU *list.List
}

type cacheEntry struct {
	host    string
	matched bool
}

func NewMatcher(t config.TargetsConfig) *Matcher {
	m := &Matcher{
		domains:  make(map[string]struct{}),
		ipRanger: cidranger.NewPCTrieRanger(),
		cache:    make(map[string]*list.Element),
		cacheLRU: list.New(),
	}

	seenRegexes := make(map[string]bool)
	for _, d := range t.Domains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d == "" {
			continue
		}
		if pattern, ok := strings.CutPrefix(d, "regexp:"); ok {
			if seenRegexes[pattern] {
				continue
			}
			if re, err := regexp.Compile(pattern); err == nil {
				m.regexes = append(m.regexes, re)
				seenRegexes[pattern] = true
			}
			continue
		}
		m.domains[strings.TrimRight(d, ".")] = struct{}{}
	}

	for _, s := range t.IPs {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		prefix, err := netip.ParsePrefix(s)
		if err != nil {
			addr, err := netip.ParseAddr(s)
			if err != nil {
				continue
			}
			prefix = netip.PrefixFrom(addr, addr.BitLen())
		}
		prefix = prefix.Masked()
		ipNet := net.IPNet{
			IP:   prefix.Addr().AsSlice(),
			Mask: net.CIDRMask(prefix.Bits(), prefix.Addr().BitLen()),
		}
		if err := m.ipRanger.Insert(cidranger.NewBasicRangerEntry(ipNet)); err == nil {
			m.ipCount++
		}
	}

	return m
}

// Empty reports whether no targets are configured.
func (m *Matcher) Empty() bool {
	return m == nil || (len(m.domains) == 0 && len(m.regexes) == 0 && m.ipCount == 0)
}

// Allows reports whether a flow to ip, carrying host (possibly ""), is a
// target.
func (m *Matcher) Allows(ip netip.Addr, host string) bool {
	if m.Empty() {
		return true
	}
	return m.MatchIP(ip) || m.MatchHost(host)
}

func (m *Matcher) MatchIP(ip netip.Addr) bool {
	if m == nil || m.ipCount == 0 || !ip.IsValid() {
		return false
	}
	ok, err := m.ipRanger.Contains(net.IP(ip.Unmap().AsSlice()))
	return err == nil && ok
}

// MatchHost matches host against the domain list by exact name or parent
// domain, then against regexp entries.
func (m *Matcher) MatchHost(host string) bool {
	if m == nil || host == "" || (len(m.domains) == 0 && len(m.regexes) == 0) {
		return false
	}
	host = strings.TrimRight(strings.ToLower(host), ".")

	m.cacheMu.Lock()
	if el, ok := m.cache[host]; ok {
		m.cacheLRU.MoveToFront(el)
		matched := el.Value.(*cacheEntry).matched
		m.cacheMu.Unlock()
		return matched
	}
	m.cacheMu.Unlock()

	matched := m.matchDomain(host)
	if !matched {
		for _, re := range m.regexes {
			if re.MatchString(host) {
				matched = true
				break
			}
		}
	}

	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	if _, ok := m.cache[host]; !ok {
		if m.cacheLRU.Len() >= domainCacheLimit {
			oldest := m.cacheLRU.Back()
			delete(m.cache, oldest.Value.(*cacheEntry).host)
			m.cacheLRU.Remove(oldest)
		}
		m.cache[host] = m.cacheLRU.PushFront(&cacheEntry{host: host, matched: matched})
	}
	return matched
}

func (m *Matcher) matchDomain(host string) bool {
	if _, ok := m.domains[host]; ok {
		return true
	}
	remaining := host
	for {
		idx := strings.IndexByte(remaining, '.')
		if idx == -1 {
			return false
		}
		remaining = remaining[idx+1:]
		if _, ok := m.domains[remaining]; ok {
			return true
		}
	}
}

// CacheSize returns the number of cached host decisions.
func (m *Matcher) CacheSize() int {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	return m.cacheLRU.Len()
}
