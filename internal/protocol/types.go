package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrMissingName is returned for reports without a host name
var ErrMissingName = errors.New("report is missing a name")

// IpInfo carries the geo lookup a client attaches to its reports
type IpInfo struct {
	Query      string  `json:"query"`
	Source     string  `json:"source"`
	Continent  string  `json:"continent"`
	Country    string  `json:"country"`
	RegionName string  `json:"region_name"`
	City       string  `json:"city"`
	ISP        string  `json:"isp"`
	Org        string  `json:"org"`
	AS         string  `json:"as"`
	ASName     string  `json:"asname"`
	Lat        float64 `json:"lat"`
	Lon        float64 `json:"lon"`
}

// SysInfo carries static system details a client attaches to its reports
type SysInfo struct {
	Name          string `json:"name"`
	Version       string `json:"version"`
	OSName        string `json:"os_name"`
	OSArch        string `json:"os_arch"`
	OSFamily      string `json:"os_family"`
	OSRelease     string `json:"os_release"`
	KernelVersion string `json:"kernel_version"`
	CPUNum        uint32 `json:"cpu_num"`
	CPUBrand      string `json:"cpu_brand"`
	CPUVendorID   string `json:"cpu_vender_id"`
	HostName      string `json:"host_name"`
}

// Report is a raw telemetry record as pushed by a client agent.
// Only Name is required; everything else defaults to zero, except
// Notify and the online flags which default to true.
type Report struct {
	Name     string `json:"name"`
	Alias    string `json:"alias"`
	Type     string `json:"type"`
	Location string `json:"location"`
	Gid      string `json:"gid"`
	Notify   bool   `json:"notify"`
	Vnstat   bool   `json:"vnstat"`
	Online4  bool   `json:"online4"`
	Online6  bool   `json:"online6"`
	Uptime   uint64 `json:"uptime"`

	Load1  float64 `json:"load_1"`
	Load5  float64 `json:"load_5"`
	Load15 float64 `json:"load_15"`

	Ping10010 float64 `json:"ping_10010"`
	Ping189   float64 `json:"ping_189"`
	Ping10086 float64 `json:"ping_10086"`
	Time10010 float64 `json:"time_10010"`
	Time189   float64 `json:"time_189"`
	Time10086 float64 `json:"time_10086"`

	TCPCount     uint32 `json:"tcp"`
	UDPCount     uint32 `json:"udp"`
	ProcessCount uint32 `json:"process"`
	ThreadCount  uint32 `json:"thread"`

	NetworkRx      uint64 `json:"network_rx"`
	NetworkTx      uint64 `json:"network_tx"`
	NetworkIn      uint64 `json:"network_in"`
	NetworkOut     uint64 `json:"network_out"`
	LastNetworkIn  uint64 `json:"last_network_in"`
	LastNetworkOut uint64 `json:"last_network_out"`

	CPU         float32 `json:"cpu"`
	MemoryTotal uint64  `json:"memory_total"`
	MemoryUsed  uint64  `json:"memory_used"`
	SwapTotal   uint64  `json:"swap_total"`
	SwapUsed    uint64  `json:"swap_used"`
	HddTotal    uint64  `json:"hdd_total"`
	HddUsed     uint64  `json:"hdd_used"`

	Custom string `json:"custom"`
	SI     bool   `json:"si"`

	IpInfo  *IpInfo  `json:"ip_info,omitempty"`
	SysInfo *SysInfo `json:"sys_info,omitempty"`
}

// NewReport returns a report carrying the decode defaults
func NewReport() *Report {
	return &Report{Notify: true, Online4: true, Online6: true}
}

// Validate checks the fields a report cannot do without
func (r *Report) Validate() error {
	if r.Name == "" {
		return ErrMissingName
	}
	return nil
}

// DecodeReport parses a JSON report. A record without a name is rejected.
func DecodeReport(data []byte) (*Report, error) {
	r := NewReport()
	if err := json.Unmarshal(data, r); err != nil {
		return nil, fmt.Errorf("failed to decode report: %w", err)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// HostState is the consolidated, authoritative view of a single host.
// Its JSON form is the shape served to dashboards and written to the
// recovery file.
type HostState struct {
	Name     string `json:"name"`
	Alias    string `json:"alias"`
	Type     string `json:"type"`
	Location string `json:"location"`
	Gid      string `json:"gid"`
	Notify   bool   `json:"notify"`
	Vnstat   bool   `json:"vnstat"`
	Online4  bool   `json:"online4"`
	Online6  bool   `json:"online6"`
	Uptime   string `json:"uptime"`

	Load1  float64 `json:"load_1"`
	Load5  float64 `json:"load_5"`
	Load15 float64 `json:"load_15"`

	Ping10010 float64 `json:"ping_10010"`
	Ping189   float64 `json:"ping_189"`
	Ping10086 float64 `json:"ping_10086"`
	Time10010 float64 `json:"time_10010"`
	Time189   float64 `json:"time_189"`
	Time10086 float64 `json:"time_10086"`

	TCPCount     uint32 `json:"tcp_count"`
	UDPCount     uint32 `json:"udp_count"`
	ProcessCount uint32 `json:"process_count"`
	ThreadCount  uint32 `json:"thread_count"`

	NetworkRx  uint64 `json:"network_rx"`
	NetworkTx  uint64 `json:"network_tx"`
	NetworkIn  uint64 `json:"network_in"`
	NetworkOut uint64 `json:"network_out"`

	// LastNetworkIn/Out are the traffic counted since the rotation
	// baseline; BaselineNetworkIn/Out are the baselines themselves.
	LastNetworkIn      uint64 `json:"last_network_in"`
	LastNetworkOut     uint64 `json:"last_network_out"`
	BaselineNetworkIn  uint64 `json:"baseline_network_in"`
	BaselineNetworkOut uint64 `json:"baseline_network_out"`

	CPU         float32 `json:"cpu"`
	MemoryTotal uint64  `json:"memory_total"`
	MemoryUsed  uint64  `json:"memory_used"`
	SwapTotal   uint64  `json:"swap_total"`
	SwapUsed    uint64  `json:"swap_used"`
	HddTotal    uint64  `json:"hdd_total"`
	HddUsed     uint64  `json:"hdd_used"`

	Labels string `json:"labels"`
	Custom string `json:"custom"`
	SI     bool   `json:"si"`

	IpInfo  *IpInfo  `json:"ip_info,omitempty"`
	SysInfo *SysInfo `json:"sys_info,omitempty"`

	Weight   uint64 `json:"weight"`
	Pos      int    `json:"-"`
	Disabled bool   `json:"disabled"`
	LatestTS uint64 `json:"latest_ts"`
}

// Online reports whether either address family is up
func (h *HostState) Online() bool {
	return h.Online4 || h.Online6
}

// Public returns a copy without the attached geo and system blobs
func (h HostState) Public() HostState {
	h.IpInfo = nil
	h.SysInfo = nil
	return h
}

// Snapshot is an immutable, ordered point-in-time copy of every host
type Snapshot struct {
	Updated uint64      `json:"updated"`
	Servers []HostState `json:"servers"`
}

// NewSnapshot creates an empty snapshot stamped with t
func NewSnapshot(t time.Time) *Snapshot {
	return &Snapshot{
		Updated: uint64(t.Unix()),
		Servers: make([]HostState, 0),
	}
}

// Public returns a copy of the snapshot suitable for unauthenticated readers
func (s *Snapshot) Public() *Snapshot {
	out := &Snapshot{
		Updated: s.Updated,
		Servers: make([]HostState, len(s.Servers)),
	}
	for i := range s.Servers {
		out.Servers[i] = s.Servers[i].Public()
	}
	return out
}

// Encode serializes the snapshot to JSON
func (s *Snapshot) Encode() ([]byte, error) {
	return json.Marshal(s)
}
