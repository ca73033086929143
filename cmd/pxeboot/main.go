/*
Copyright 2024 Google LLC

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    https://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/aojea/pxeboot/pkg/httpfile"
	"github.com/aojea/pxeboot/pkg/lease"
	"github.com/aojea/pxeboot/pkg/metrics"
	"github.com/aojea/pxeboot/pkg/netiface"
	"github.com/aojea/pxeboot/pkg/netutil"
	"github.com/aojea/pxeboot/pkg/pathsan"
	"github.com/aojea/pxeboot/pkg/tftp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"k8s.io/klog/v2"
)

var (
	serverIP    string
	dhcpStart   string
	dhcpEnd     string
	dhcpSubnet  string
	tftpRoot    string
	httpRoot    string
	iface       string
	bindAddress string
)

func init() {
	pflag.StringVar(&serverIP, "server-ip", "", "IPv4 address this server answers from (required)")
	pflag.StringVar(&dhcpStart, "dhcp-ip-start", "", "first address of the DHCP pool")
	pflag.StringVar(&dhcpEnd, "dhcp-ip-end", "", "last address of the DHCP pool")
	pflag.StringVar(&dhcpSubnet, "dhcp-subnet", "", "subnet the DHCP pool lives in, as A.B.C.D/N")
	pflag.StringVarP(&tftpRoot, "tftp-root", "r", "", "directory served over TFTP; when unset, the loader is served as PAYLOAD.BIN")
	pflag.StringVar(&httpRoot, "http-root", "", "optional directory also served over plain HTTP on --bind-address, for PXE ROMs that prefer it to TFTP")
	pflag.StringVar(&iface, "interface", "", "bind the DHCP/TFTP listeners to this network interface only")
	pflag.StringVar(&bindAddress, "bind-address", ":9177", "address for the /metrics and /healthz HTTP server")

	klog.InitFlags(nil)
	pflag.CommandLine.AddGoFlag(flag.CommandLine.Lookup("v"))
	pflag.CommandLine.AddGoFlag(flag.CommandLine.Lookup("logtostderr"))

	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] <loader>\n\n", os.Args[0])
		pflag.PrintDefaults()
	}
}

func main() {
	pflag.Parse()
	if err := pflag.CommandLine.Set("logtostderr", "true"); err != nil {
		klog.Fatal(err)
	}

	if pflag.NArg() != 1 {
		pflag.Usage()
		os.Exit(2)
	}
	loaderArg := pflag.Arg(0)

	cfg, err := loadConfig(loaderArg)
	if err != nil {
		klog.Errorf("configuration error: %v", err)
		os.Exit(1)
	}

	if cfg.iface != "" {
		idx, err := netiface.Index(cfg.iface)
		if err != nil {
			klog.Fatalf("--interface %q: %v", cfg.iface, err)
		}
		klog.Infof("binding DHCP/TFTP listeners to interface %s (ifindex %d)", cfg.iface, idx)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-signalCh
		klog.Infof("received signal %v, shutting down", sig)
		cancel()
	}()

	var fileHandler http.Handler
	if httpRoot != "" {
		root, err := filepath.Abs(httpRoot)
		if err != nil {
			klog.Fatalf("resolving --http-root: %v", err)
		}
		if fi, err := os.Stat(root); err != nil || !fi.IsDir() {
			klog.Fatalf("--http-root %q is not a directory", httpRoot)
		}
		fileHandler = httpfile.Handler{Root: root}
	}

	registry := prometheus.NewRegistry()
	metrics.MustRegister(registry)
	go serveHTTP(bindAddress, registry, fileHandler)

	if cfg.dhcp != nil {
		go runDHCP(ctx, cfg)
	}
	runTFTP(ctx, cfg)
}

type config struct {
	serverIP   net.IP
	loaderPath string
	tftpRoot   string
	bootFile   string
	iface      string

	dhcp *dhcpConfig
}

type dhcpConfig struct {
	subnet     *net.IPNet
	rangeStart net.IP
	rangeEnd   net.IP
	broadcast  net.IP
}

// loadConfig validates the CLI surface described in spec.md §6:
// --server-ip is mandatory, the three --dhcp-* flags are all-or-none,
// and the loader (and optional --tftp-root) are canonicalized and
// checked for existence at startup.
func loadConfig(loaderArg string) (*config, error) {
	if serverIP == "" {
		return nil, fmt.Errorf("--server-ip is required")
	}
	ip := net.ParseIP(serverIP).To4()
	if ip == nil {
		return nil, fmt.Errorf("--server-ip %q is not a valid IPv4 address", serverIP)
	}

	loaderPath, err := filepath.Abs(loaderArg)
	if err != nil {
		return nil, fmt.Errorf("resolving loader path: %w", err)
	}
	if fi, err := os.Stat(loaderPath); err != nil || fi.IsDir() {
		return nil, fmt.Errorf("loader %q is not a regular file", loaderArg)
	}

	cfg := &config{serverIP: ip, loaderPath: loaderPath, iface: iface, bootFile: tftp.LiteralFilename}

	if tftpRoot != "" {
		root, err := filepath.Abs(tftpRoot)
		if err != nil {
			return nil, fmt.Errorf("resolving --tftp-root: %w", err)
		}
		if fi, err := os.Stat(root); err != nil || !fi.IsDir() {
			return nil, fmt.Errorf("--tftp-root %q is not a directory", tftpRoot)
		}
		cfg.tftpRoot = root
		cfg.bootFile = relativeBootFile(root, loaderPath)
	}

	set := dhcpStart != "" || dhcpEnd != "" || dhcpSubnet != ""
	if set {
		if dhcpStart == "" || dhcpEnd == "" || dhcpSubnet == "" {
			return nil, fmt.Errorf("--dhcp-ip-start, --dhcp-ip-end and --dhcp-subnet must be supplied together")
		}
		dc, err := parseDHCPConfig(ip)
		if err != nil {
			return nil, err
		}
		cfg.dhcp = dc
	}

	return cfg, nil
}

// relativeBootFile mirrors original_source's loader_path_to_relative:
// if loaderPath lives under root, the TFTP-relative (URL-form) name is
// used; otherwise the server falls back to the literal PAYLOAD.BIN,
// per spec.md §4.5 step 2.
func relativeBootFile(root, loaderPath string) string {
	rel, err := filepath.Rel(root, loaderPath)
	if err != nil || strings.HasPrefix(rel, "..") {
		return tftp.LiteralFilename
	}
	url, err := pathsan.EncodeURL(rel)
	if err != nil {
		return tftp.LiteralFilename
	}
	return strings.TrimPrefix(url, "/")
}

func parseDHCPConfig(serverIP net.IP) (*dhcpConfig, error) {
	_, subnet, err := net.ParseCIDR(dhcpSubnet)
	if err != nil {
		return nil, fmt.Errorf("--dhcp-subnet %q: %w", dhcpSubnet, err)
	}
	ones, bits := subnet.Mask.Size()
	if bits != 32 || ones < 1 || ones > 30 {
		return nil, fmt.Errorf("--dhcp-subnet mask width must be between 1 and 30, got /%d", ones)
	}

	start := net.ParseIP(dhcpStart).To4()
	end := net.ParseIP(dhcpEnd).To4()
	if start == nil || end == nil {
		return nil, fmt.Errorf("--dhcp-ip-start/--dhcp-ip-end must be valid IPv4 addresses")
	}
	if !subnet.Contains(start) || !subnet.Contains(end) {
		return nil, fmt.Errorf("DHCP pool %s-%s must lie inside subnet %s", start, end, subnet)
	}

	broadcast := make(net.IP, 4)
	for i := range broadcast {
		broadcast[i] = subnet.IP[i] | ^subnet.Mask[i]
	}

	return &dhcpConfig{subnet: subnet, rangeStart: start, rangeEnd: end, broadcast: broadcast}, nil
}

func runDHCP(ctx context.Context, cfg *config) {
	s, err := lease.NewServer(lease.Config{
		ServerIP:    cfg.serverIP,
		SubnetMask:  net.IP(cfg.dhcp.subnet.Mask),
		RangeStart:  cfg.dhcp.rangeStart,
		RangeEnd:    cfg.dhcp.rangeEnd,
		BroadcastIP: cfg.dhcp.broadcast,
		BootFile:    cfg.bootFile,
	})
	if err != nil {
		klog.Fatalf("dhcp: %v", err)
	}

	if name, err := netiface.ByAddr(cfg.serverIP); err == nil {
		klog.Infof("dhcp: %s is bound on interface %s", cfg.serverIP, name)
	}

	conn, err := netutil.ListenUDPBroadcast(ctx, fmt.Sprintf("%s:67", cfg.serverIP), cfg.iface)
	if err != nil {
		klog.Fatalf("dhcp: binding listener: %v", err)
	}
	klog.Infof("dhcp: serving pool %s-%s on %s/%d", cfg.dhcp.rangeStart, cfg.dhcp.rangeEnd, cfg.dhcp.subnet.IP, maskOnes(cfg.dhcp.subnet))

	if err := s.ListenAndServe(ctx, conn); err != nil && ctx.Err() == nil {
		klog.Fatalf("dhcp: listener failed: %v", err)
	}
}

func maskOnes(n *net.IPNet) int {
	ones, _ := n.Mask.Size()
	return ones
}

func runTFTP(ctx context.Context, cfg *config) {
	srv := &tftp.Server{Root: cfg.tftpRoot, LiteralFile: cfg.loaderPath}

	conn, err := netutil.ListenUDPBroadcast(ctx, fmt.Sprintf("%s:69", cfg.serverIP), cfg.iface)
	if err != nil {
		klog.Fatalf("tftp: binding listener: %v", err)
	}
	klog.Infof("tftp: serving %s on %s:69", cfg.loaderPath, cfg.serverIP)

	if err := srv.ListenAndServe(ctx, conn); err != nil && ctx.Err() == nil {
		klog.Fatalf("tftp: listener failed: %v", err)
	}
}

// serveHTTP runs the /metrics and /healthz endpoints, plus the
// optional --http-root static file handler mounted at "/" when set.
func serveHTTP(addr string, reg *prometheus.Registry, fileHandler http.Handler) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	if fileHandler != nil {
		mux.Handle("/", fileHandler)
	}
	if err := http.ListenAndServe(addr, mux); err != nil {
		klog.Warningf("http server stopped: %v", err)
	}
}
