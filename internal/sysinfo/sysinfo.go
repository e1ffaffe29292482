// Package sysinfo collects host metrics for the monitor page.
package sysinfo

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/net"
	"go.uber.org/zap"

	"github.com/fruitsalade/bookshelf/internal/logging"
	"github.com/fruitsalade/bookshelf/internal/metrics"
)

const (
	// DefaultThermalZone is the SoC sensor exposed by single-board computers,
	// in millidegrees Celsius.
	DefaultThermalZone = "/sys/class/thermal/thermal_zone0/temp"

	gigabyte = 1 << 30
	megabyte = 1 << 20
)

// Snapshot is the JSON document served by /monitor/system-info. On failure
// only Status and Message are set.
type Snapshot struct {
	Status      string       `json:"status"`
	Message     string       `json:"message,omitempty"`
	CPU         *CPU         `json:"cpu,omitempty"`
	Memory      *Memory      `json:"memory,omitempty"`
	Disk        *Disk        `json:"disk,omitempty"`
	Network     *Network     `json:"network,omitempty"`
	System      *System      `json:"system,omitempty"`
	Project     *Project     `json:"project,omitempty"`
	Temperature *Temperature `json:"temperature,omitempty"`
}

type CPU struct {
	Percent float64 `json:"percent"`
	Cores   int     `json:"cores"`
	Threads int     `json:"threads"`
}

// Memory sizes are in GB.
type Memory struct {
	Total   float64 `json:"total"`
	Used    float64 `json:"used"`
	Percent float64 `json:"percent"`
}

// Disk sizes are in GB.
type Disk struct {
	Total   float64 `json:"total"`
	Used    float64 `json:"used"`
	Percent float64 `json:"percent"`
	Path    string  `json:"path"`
}

// Network counters are in MB since boot.
type Network struct {
	Sent float64 `json:"sent"`
	Recv float64 `json:"recv"`
}

type System struct {
	BootTime string `json:"boot_time"`
	Uptime   string `json:"uptime"`
}

type Project struct {
	FilesCount  int    `json:"files_count"`
	StoragePath string `json:"storage_path"`
}

// Temperature.CPU is null when no sensor is available.
type Temperature struct {
	CPU  *float64 `json:"cpu"`
	Unit string   `json:"unit"`
}

// Probe is the host interface the collector reads from.
type Probe interface {
	CPUPercent(ctx context.Context, interval time.Duration) (float64, error)
	CPUCounts(ctx context.Context, logical bool) (int, error)
	VirtualMemory(ctx context.Context) (*mem.VirtualMemoryStat, error)
	DiskUsage(ctx context.Context, path string) (*disk.UsageStat, error)
	NetIO(ctx context.Context) (net.IOCountersStat, error)
	BootTime(ctx context.Context) (uint64, error)
	Temperatures(ctx context.Context) ([]host.TemperatureStat, error)
}

// FileCounter reports how many documents the library holds.
type FileCounter interface {
	Count(ctx context.Context) int
}

// Options configures a Collector.
type Options struct {
	StoragePath    string
	SampleInterval time.Duration
	Files          FileCounter
	Probe          Probe  // defaults to the local host via gopsutil
	ThermalZone    string // defaults to DefaultThermalZone
	Now            func() time.Time
}

// Collector builds Snapshots.
type Collector struct {
	storagePath string
	interval    time.Duration
	files       FileCounter
	probe       Probe
	thermalZone string
	now         func() time.Time
}

func New(opts Options) *Collector {
	if opts.SampleInterval <= 0 {
		opts.SampleInterval = time.Second
	}
	if opts.Probe == nil {
		opts.Probe = HostProbe{}
	}
	if opts.ThermalZone == "" {
		opts.ThermalZone = DefaultThermalZone
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Collector{
		storagePath: opts.StoragePath,
		interval:    opts.SampleInterval,
		files:       opts.Files,
		probe:       opts.Probe,
		thermalZone: opts.ThermalZone,
		now:         opts.Now,
	}
}

// Collect samples the host. It blocks for the CPU sample interval and never
// fails: errors are reported in the snapshot.
func (c *Collector) Collect(ctx context.Context) Snapshot {
	snap, err := c.collect(ctx)
	if err != nil {
		logging.WithContext(ctx).Warn("system info collection failed", zap.Error(err))
		metrics.RecordSysinfoCollection(false)
		return Snapshot{Status: "error", Message: err.Error()}
	}
	metrics.RecordSysinfoCollection(true)
	return snap
}

func (c *Collector) collect(ctx context.Context) (Snapshot, error) {
	percent, err := c.probe.CPUPercent(ctx, c.interval)
	if err != nil {
		return Snapshot{}, fmt.Errorf("cpu percent: %w", err)
	}
	// Physical cores are not reported on every platform.
	cores, _ := c.probe.CPUCounts(ctx, false)
	threads, err := c.probe.CPUCounts(ctx, true)
	if err != nil {
		return Snapshot{}, fmt.Errorf("cpu count: %w", err)
	}

	vm, err := c.probe.VirtualMemory(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("memory: %w", err)
	}

	usage, err := c.probe.DiskUsage(ctx, c.storagePath)
	if err != nil {
		usage, err = c.probe.DiskUsage(ctx, "/")
		if err != nil {
			return Snapshot{}, fmt.Errorf("disk usage: %w", err)
		}
	}

	nio, err := c.probe.NetIO(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("network counters: %w", err)
	}

	boot, err := c.probe.BootTime(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("boot time: %w", err)
	}
	bootAt := time.Unix(int64(boot), 0)
	uptime := c.now().Unix() - int64(boot)

	count := 0
	if c.files != nil {
		count = c.files.Count(ctx)
	}

	temp := &Temperature{CPU: c.cpuTemperature(ctx), Unit: "N/A"}
	if temp.CPU != nil {
		temp.Unit = "°C"
	}

	return Snapshot{
		Status: "success",
		CPU:    &CPU{Percent: percent, Cores: cores, Threads: threads},
		Memory: &Memory{
			Total:   round2(float64(vm.Total) / gigabyte),
			Used:    round2(float64(vm.Used) / gigabyte),
			Percent: vm.UsedPercent,
		},
		Disk: &Disk{
			Total:   round2(float64(usage.Total) / gigabyte),
			Used:    round2(float64(usage.Used) / gigabyte),
			Percent: usage.UsedPercent,
			Path:    c.storagePath,
		},
		Network: &Network{
			Sent: round2(float64(nio.BytesSent) / megabyte),
			Recv: round2(float64(nio.BytesRecv) / megabyte),
		},
		System: &System{
			BootTime: bootAt.Format(time.DateTime),
			Uptime:   FormatUptime(uptime),
		},
		Project:     &Project{FilesCount: count, StoragePath: c.storagePath},
		Temperature: temp,
	}, nil
}

// cpuTemperature prefers the thermal zone file, then gopsutil sensors with
// coretemp entries first. It returns nil when neither is available.
func (c *Collector) cpuTemperature(ctx context.Context) *float64 {
	if v, err := readThermalZone(c.thermalZone); err == nil {
		return &v
	}

	sensors, err := c.probe.Temperatures(ctx)
	if len(sensors) == 0 {
		if err != nil {
			logging.Debug("no temperature sensors", zap.Error(err))
		}
		return nil
	}
	for _, s := range sensors {
		if strings.HasPrefix(s.SensorKey, "coretemp") {
			v := s.Temperature
			return &v
		}
	}
	v := sensors[0].Temperature
	return &v
}

func readThermalZone(path string) (float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	milli, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", path, err)
	}
	return math.Round(milli/100) / 10, nil
}

// FormatUptime renders seconds like "3:04:05" or "2 days, 3:04:05".
func FormatUptime(seconds int64) string {
	if seconds < 0 {
		seconds = 0
	}
	days := seconds / 86400
	rem := seconds % 86400
	clock := fmt.Sprintf("%d:%02d:%02d", rem/3600, rem%3600/60, rem%60)
	switch days {
	case 0:
		return clock
	case 1:
		return "1 day, " + clock
	default:
		return fmt.Sprintf("%d days, %s", days, clock)
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// HostProbe reads the local machine through gopsutil.
type HostProbe struct{}

func (HostProbe) CPUPercent(ctx context.Context, interval time.Duration) (float64, error) {
	values, err := cpu.PercentWithContext(ctx, interval, false)
	if err != nil {
		return 0, err
	}
	if len(values) == 0 {
		return 0, errors.New("no cpu samples")
	}
	return round2(values[0]), nil
}

func (HostProbe) CPUCounts(ctx context.Context, logical bool) (int, error) {
	return cpu.CountsWithContext(ctx, logical)
}

func (HostProbe) VirtualMemory(ctx context.Context) (*mem.VirtualMemoryStat, error) {
	return mem.VirtualMemoryWithContext(ctx)
}

func (HostProbe) DiskUsage(ctx context.Context, path string) (*disk.UsageStat, error) {
	return disk.UsageWithContext(ctx, path)
}

func (HostProbe) NetIO(ctx context.Context) (net.IOCountersStat, error) {
	counters, err := net.IOCountersWithContext(ctx, false)
	if err != nil {
		return net.IOCountersStat{}, err
	}
	if len(counters) == 0 {
		return net.IOCountersStat{}, errors.New("no network counters")
	}
	return counters[0], nil
}

func (HostProbe) BootTime(ctx context.Context) (uint64, error) {
	return host.BootTimeWithContext(ctx)
}

func (HostProbe) Temperatures(ctx context.Context) ([]host.TemperatureStat, error) {
	return host.SensorsTemperaturesWithContext(ctx)
}
