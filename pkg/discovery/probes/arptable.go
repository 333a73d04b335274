package probes

import (
	"bufio"
	"context"
	"fmt"
	"net/netip"
	"os"
	"strings"

	"github.com/pdsno/pdsno/pkg/discovery"
)

const defaultARPTablePath = "/proc/net/arp"

// ARPTable scrapes the kernel neighbor table and reports every complete
// entry inside the target subnet. It is passive: it observes what the host
// already talked to rather than sweeping the wire.
type ARPTable struct {
	path   string
	prefix netip.Prefix
	found  []discovery.Observation
}

func newARPTable(params map[string]string) (discovery.Probe, error) {
	path := params["table_path"]
	if path == "" {
		path = defaultARPTablePath
	}
	return &ARPTable{path: path}, nil
}

func (p *ARPTable) Name() string { return "arptable" }

func (p *ARPTable) Initialize(_ context.Context, target discovery.Target) error {
	prefix, err := netip.ParsePrefix(target.Subnet)
	if err != nil {
		return fmt.Errorf("parse subnet %q: %w", target.Subnet, err)
	}
	p.prefix = prefix
	p.found = nil
	return nil
}

func (p *ARPTable) Execute(ctx context.Context) ([]discovery.Observation, error) {
	f, err := os.Open(p.path)
	if err != nil {
		return nil, fmt.Errorf("open neighbor table: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	first := true
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		line := scanner.Text()
		if first {
			// header row
			first = false
			continue
		}
		obs, ok := p.parseLine(line)
		if ok {
			p.found = append(p.found, obs)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read neighbor table: %w", err)
	}
	return p.found, nil
}

func (p *ARPTable) Finalize() ([]discovery.Observation, error) {
	return p.found, nil
}

// parseLine handles one /proc/net/arp row:
//
//	IP address  HW type  Flags  HW address  Mask  Device
func (p *ARPTable) parseLine(line string) (discovery.Observation, bool) {
	fields := strings.Fields(line)
	if len(fields) < 6 {
		return discovery.Observation{}, false
	}
	ipStr, flags, mac, device := fields[0], fields[2], fields[3], fields[5]

	// Flags 0x0 marks an incomplete entry still waiting for a reply.
	if flags == "0x0" || mac == "00:00:00:00:00:00" {
		return discovery.Observation{}, false
	}
	ip, err := netip.ParseAddr(ipStr)
	if err != nil || !p.prefix.Contains(ip) {
		return discovery.Observation{}, false
	}
	return discovery.Observation{
		MAC:        strings.ToLower(mac),
		IP:         ip.String(),
		Attributes: map[string]string{"interface": device, "source": "arptable"},
	}, true
}
