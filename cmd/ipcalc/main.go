package main

import (
	"flag"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"strings"

	"natrouter/internal"
)

var List = flag.Bool("list", false, "Print every address of the network instead of a summary")

func main() {
	flag.Usage = func() {
		fmt.Fprintln(flag.CommandLine.Output(), "Usage: ./ipcalc [-list] <address>/<bits> | <address> <netmask>")
		flag.PrintDefaults()
	}
	flag.Parse()

	addr, bits, err := parseArgs(flag.Args())
	if err != nil {
		fmt.Println(err)
		flag.Usage()
		os.Exit(1)
	}

	if err := run(os.Stdout, addr, bits, *List); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func parseArgs(args []string) (netip.Addr, int, error) {
	switch len(args) {
	case 1:
		p, err := netip.ParsePrefix(args[0])
		if err != nil {
			return netip.Addr{}, 0, err
		}
		return p.Addr(), p.Bits(), nil
	case 2:
		addr, err := netip.ParseAddr(args[0])
		if err != nil {
			return netip.Addr{}, 0, err
		}
		ip := net.ParseIP(args[1])
		if ip == nil || ip.To4() == nil {
			return netip.Addr{}, 0, fmt.Errorf("invalid netmask %q", args[1])
		}
		bits, err := internal.MaskBits(net.IPMask(ip.To4()))
		if err != nil {
			return netip.Addr{}, 0, err
		}
		return addr, bits, nil
	default:
		return netip.Addr{}, 0, fmt.Errorf("expected 1 or 2 arguments, got %d", len(args))
	}
}

func run(w io.Writer, addr netip.Addr, bits int, list bool) error {
	if list {
		addrs, err := internal.PrefixRange(addr, bits)
		if err != nil {
			return err
		}
		for _, a := range addrs {
			fmt.Fprintln(w, a)
		}
		return nil
	}

	network := internal.NetworkAddress(addr, bits)
	if !network.IsValid() {
		return fmt.Errorf("%s/%d: %w", addr, bits, internal.ErrInvalidMask)
	}
	broadcast := internal.BroadcastAddress(addr, bits)

	var b strings.Builder
	fmt.Fprintf(&b, "Address:   %s\n", addr)
	fmt.Fprintf(&b, "Network:   %s/%d\n", network, bits)
	fmt.Fprintf(&b, "Broadcast: %s\n", broadcast)
	if host := addr.BitLen() - bits; host >= 2 {
		fmt.Fprintf(&b, "HostMin:   %s\n", internal.Increment(network))
		fmt.Fprintf(&b, "HostMax:   %s\n", internal.Decrement(broadcast))
	}
	if size := internal.PrefixSize(addr, bits); size <= internal.MaxRangeSize {
		fmt.Fprintf(&b, "Addresses: %d\n", size)
	} else {
		fmt.Fprintf(&b, "Addresses: 2^%d\n", addr.BitLen()-bits)
	}
	_, err := io.WriteString(w, b.String())
	return err
}
