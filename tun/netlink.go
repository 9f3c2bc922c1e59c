package tun

import (
	"errors"
	"fmt"
	"net"

	"github.com/daniellavrushin/b4tun/config"
	"github.com/daniellavrushin/b4tun/log"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

const (
	// main table first, ignoring its default route
	rulePriorityMain = 9100
	// then every unmarked packet into the tunnel table
	rulePriorityTun = 9101
)

// Configure sets the MTU and address of the named link and brings it up.
func Configure(name string, cfg config.TunConfig) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("find link %s: %w", name, err)
	}
	addr, err := linkAddr(cfg.Address)
	if err != nil {
		return err
	}
	if err := netlink.LinkSetMTU(link, cfg.MTU); err != nil {
		return fmt.Errorf("set mtu %d on %s: %w", cfg.MTU, name, err)
	}
	if err := netlink.AddrReplace(link, addr); err != nil {
		return fmt.Errorf("add address %s to %s: %w", cfg.Address, name, err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("bring up %s: %w", name, err)
	}
	log.Infof("Configured %s: %s mtu %d", name, cfg.Address, cfg.MTU)
	return nil
}

func linkAddr(cidr string) (*netlink.Addr, error) {
	addr, err := netlink.ParseAddr(cidr)
	if err != nil {
		return nil, fmt.Errorf("parse tun address %q: %w", cidr, err)
	}
	if addr.IP.To4() == nil {
		return nil, fmt.Errorf("tun address %q is not IPv4", cidr)
	}
	return addr, nil
}

// Routing is the policy routing installed by SetupRouting.
type Routing struct {
	rules []*netlink.Rule
	route *netlink.Route
}

// SetupRouting sends all unmarked IPv4 traffic into the named link through
// its own table. Sockets carrying cfg.Mark keep using the main table, which
// is what keeps relayed connections from looping.
func SetupRouting(name string, cfg config.TunConfig) (*Routing, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return nil, fmt.Errorf("find link %s: %w", name, err)
	}

	r := &Routing{
		route: defaultRoute(link.Attrs().Index, cfg.RouteTable),
		rules: policyRules(cfg.Mark, cfg.RouteTable),
	}
	if err := netlink.RouteReplace(r.route); err != nil {
		return nil, fmt.Errorf("add default route to table %d: %w", cfg.RouteTable, err)
	}
	for i, rule := range r.rules {
		if err := netlink.RuleAdd(rule); err != nil && !errors.Is(err, unix.EEXIST) {
			r.rules = r.rules[:i]
			return nil, errors.Join(fmt.Errorf("add rule prio %d: %w", rule.Priority, err), r.Cleanup())
		}
	}
	log.Infof("Routing unmarked traffic via %s (table %d, mark 0x%x)", name, cfg.RouteTable, cfg.Mark)
	return r, nil
}

func defaultRoute(linkIndex, table int) *netlink.Route {
	return &netlink.Route{
		LinkIndex: linkIndex,
		Dst:       &net.IPNet{IP: net.IPv4zero.To4(), Mask: net.CIDRMask(0, 32)},
		Table:     table,
		Scope:     netlink.SCOPE_LINK,
	}
}

func policyRules(mark uint32, table int) []*netlink.Rule {
	main := netlink.NewRule()
	main.Family = netlink.FAMILY_V4
	main.Priority = rulePriorityMain
	main.Table = unix.RT_TABLE_MAIN
	main.SuppressPrefixlen = 0

	tunnel := netlink.NewRule()
	tunnel.Family = netlink.FAMILY_V4
	tunnel.Priority = rulePriorityTun
	tunnel.Table = table
	tunnel.Mark = mark
	tunnel.Invert = true

	return []*netlink.Rule{main, tunnel}
}

// Cleanup removes what SetupRouting installed. Missing entries are ignored.
func (r *Routing) Cleanup() error {
	if r == nil {
		return nil
	}
	var errs []error
	for _, rule := range r.rules {
		if err := netlink.RuleDel(rule); err != nil && !errors.Is(err, unix.ENOENT) {
			errs = append(errs, fmt.Errorf("delete rule prio %d: %w", rule.Priority, err))
		}
	}
	if err := netlink.RouteDel(r.route); err != nil && !errors.Is(err, unix.ESRCH) {
		errs = append(errs, fmt.Errorf("delete default route: %w", err))
	}
	r.rules = nil
	return errors.Join(errs...)
}
