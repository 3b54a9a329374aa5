package config

import "time"

// Root is the main yaml config object
type Root struct {
	HTTPGlobal *HTTPGlobal    `yaml:"http"`
	Torrent    *TorrentGlobal `yaml:"torrent"`
	Storage    *Storage       `yaml:"storage"`
	Watch      *Watch         `yaml:"watch"`
	Log        *Log           `yaml:"log"`
}

type Log struct {
	Debug      bool   `yaml:"debug"`
	MaxBackups int    `yaml:"max_backups"`
	MaxSize    int    `yaml:"max_size"`
	MaxAge     int    `yaml:"max_age"`
	Path       string `yaml:"path"`
}

type TorrentGlobal struct {
	MetadataFolder    string  `yaml:"metadata_folder,omitempty"`
	DisableIPv6       bool    `yaml:"disable_ipv6,omitempty"`
	DisableTCP        bool    `yaml:"disable_tcp,omitempty"`
	DisableUTP        bool    `yaml:"disable_utp,omitempty"`
	NoDHT             bool    `yaml:"no_dht,omitempty"`
	NoPortForwarding  bool    `yaml:"no_port_forwarding,omitempty"`
	IP                string  `yaml:"ip,omitempty"`
	ListenPort        int     `yaml:"listen_port,omitempty"`
	Seed              bool    `yaml:"seed,omitempty"`
	DownloadLimitMbit float64 `yaml:"download_limit_mbit,omitempty"`
	UploadLimitMbit   float64 `yaml:"upload_limit_mbit,omitempty"`
	// PollIntervalMs is how often transfer progress is sampled.
	PollIntervalMs int `yaml:"poll_interval_ms,omitempty"`
	// ResumeDataInterval is the minimum number of seconds between two resume
	// data snapshots of the same transfer.
	ResumeDataInterval int `yaml:"resume_data_interval,omitempty"`
}

func (t *TorrentGlobal) PollInterval() time.Duration {
	return time.Duration(t.PollIntervalMs) * time.Millisecond
}

type Storage struct {
	// Backend is "file" (one file per artifact) or "badger".
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
	// FlushInterval in seconds for periodic session state and index saves.
	FlushInterval int `yaml:"flush_interval"`
}

type HTTPGlobal struct {
	Port int    `yaml:"port"`
	IP   string `yaml:"ip"`
}

// Watch enables the drop folder: every *.magnet file placed in Folder is
// added as a transfer downloading into Destination.
type Watch struct {
	Folder      string `yaml:"folder"`
	Destination string `yaml:"destination"`
	// Interval is the debounce in seconds between folder scans.
	Interval int `yaml:"interval,omitempty"`
}

func AddDefaults(r *Root) *Root {
	if r.Torrent == nil {
		r.Torrent = &TorrentGlobal{}
	}

	if r.Torrent.MetadataFolder == "" {
		r.Torrent.MetadataFolder = metadataFolder
	}

	if r.Torrent.PollIntervalMs == 0 {
		r.Torrent.PollIntervalMs = 1000
	}

	if r.Torrent.ResumeDataInterval == 0 {
		r.Torrent.ResumeDataInterval = 30
	}

	if r.Storage == nil {
		r.Storage = &Storage{}
	}

	if r.Storage.Backend == "" {
		r.Storage.Backend = "file"
	}

	if r.Storage.Path == "" {
		r.Storage.Path = stateFolder
	}

	if r.Storage.FlushInterval == 0 {
		r.Storage.FlushInterval = 60
	}

	if r.HTTPGlobal == nil {
		r.HTTPGlobal = &HTTPGlobal{}
	}

	if r.HTTPGlobal.IP == "" {
		r.HTTPGlobal.IP = "0.0.0.0"
	}

	if r.HTTPGlobal.Port == 0 {
		r.HTTPGlobal.Port = 4444
	}

	if r.Watch != nil && r.Watch.Interval == 0 {
		r.Watch.Interval = 5
	}

	if r.Log == nil {
		r.Log = &Log{}
	}

	return r
}
