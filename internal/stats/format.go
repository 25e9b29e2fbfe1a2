package stats

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"dockwatch/internal/docker"
)

// ErrIncompleteSample marks a warm-up sample the stats stream emits before the
// runtime has a full snapshot. Callers decide whether to degrade or skip.
var ErrIncompleteSample = errors.New("incomplete stats sample")

// Record is the wire-ready form of one stats sample. All quantities are
// pre-formatted strings so the client renders them verbatim.
type Record struct {
	CPUPercent    string `json:"cpuPercent"`
	MemUsage      string `json:"memUsage"`
	MemLimit      string `json:"memLimit"`
	MemPercent    string `json:"memPercent"`
	NetRx         string `json:"netRx"`
	NetTx         string `json:"netTx"`
	DiskRead      string `json:"diskRead"`
	DiskWrite     string `json:"diskWrite"`
	ContainerName string `json:"containerName"`
	ContainerID   string `json:"containerId"`
}

// Format turns a raw stats sample into a Record. The previous-sample CPU
// counters ride along inside the sample itself (precpu_stats), so the
// formatter holds no state of its own.
func Format(s docker.Stats, name, shortID string) (Record, error) {
	if s.Read == "" || strings.HasPrefix(s.Read, "0001-01-01") {
		return Record{}, ErrIncompleteSample
	}

	memUsage := s.MemoryStats.Usage
	// Subtract reclaimable page cache to approximate the working set.
	if inactive := s.MemoryStats.Stats.InactiveFile; inactive < memUsage {
		memUsage -= inactive
	}
	memPercent := "0.00"
	if limit := s.MemoryStats.Limit; limit > 0 {
		memPercent = fmt.Sprintf("%.2f", float64(memUsage)/float64(limit)*100)
	}

	var netRx, netTx uint64
	for _, n := range s.Networks {
		netRx += n.RxBytes
		netTx += n.TxBytes
	}
	var diskRead, diskWrite uint64
	for _, e := range s.BlkioStats.IoServiceBytesRecursive {
		switch e.Op {
		case "Read":
			diskRead += e.Value
		case "Write":
			diskWrite += e.Value
		}
	}

	return Record{
		CPUPercent:    cpuPercent(s),
		MemUsage:      FormatBytes(float64(memUsage)),
		MemLimit:      FormatBytes(float64(s.MemoryStats.Limit)),
		MemPercent:    memPercent,
		NetRx:         FormatBytes(float64(netRx)),
		NetTx:         FormatBytes(float64(netTx)),
		DiskRead:      FormatBytes(float64(diskRead)),
		DiskWrite:     FormatBytes(float64(diskWrite)),
		ContainerName: name,
		ContainerID:   shortID,
	}, nil
}

// cpuPercent computes (cpuDelta / systemDelta) * cores * 100 against the
// previous sample's counters. First samples and counter resets yield "0.00".
func cpuPercent(s docker.Stats) string {
	if s.CPUStats.CPUUsage.TotalUsage <= s.PreCPUStats.CPUUsage.TotalUsage {
		return "0.00"
	}
	if s.CPUStats.SystemCPUUsage <= s.PreCPUStats.SystemCPUUsage {
		return "0.00"
	}
	cpuDelta := float64(s.CPUStats.CPUUsage.TotalUsage - s.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(s.CPUStats.SystemCPUUsage - s.PreCPUStats.SystemCPUUsage)
	cores := float64(s.CPUStats.OnlineCPUs)
	if cores == 0 {
		cores = float64(len(s.CPUStats.CPUUsage.PercpuUsage))
		if cores == 0 {
			cores = 1
		}
	}
	return fmt.Sprintf("%.2f", cpuDelta/systemDelta*cores*100)
}

var byteUnits = []string{"Bytes", "KB", "MB", "GB", "TB"}

// FormatBytes renders a byte count at base-1024 scale with up to two decimal
// places, trailing zeros trimmed. Zero short-circuits to "0 Bytes" since the
// log-scale math is undefined there.
func FormatBytes(v float64) string {
	if v == 0 {
		return "0 Bytes"
	}
	i := int(math.Floor(math.Log(v) / math.Log(1024)))
	if i < 0 {
		i = 0
	}
	if i >= len(byteUnits) {
		i = len(byteUnits) - 1
	}
	n := fmt.Sprintf("%.2f", v/math.Pow(1024, float64(i)))
	n = strings.TrimRight(strings.TrimRight(n, "0"), ".")
	return n + " " + byteUnits[i]
}
