package store

// Package is one row of the packages table.
type Package struct {
	Name            string
	Creator         string
	PackageName     string
	Version         string
	VarDate         int64
	SizeMiB         float64
	MetaDate        int64
	Description     string
	SceneCount      int
	LookCount       int
	ClothCount      int
	HairCount       int
	SkinCount       int
	PoseCount       int
	MorphCount      int
	PluginCount     int
	AssetCount      int
	TextureCount    int
	SubSceneCount   int
	AppearanceCount int
	DependencyCount int
}

// ScanView is the lightweight (name, mtime, size) projection the indexer's
// collection phase compares against the filesystem to decide what changed.
type ScanView struct {
	Name    string
	VarDate int64
	SizeMiB float64
}

// Scene is one row of the scenes table.
type Scene struct {
	Package     string
	AtomType    string
	PreviewFile string
	ScenePath   string
	IsPreset    bool
	IsLoadable  bool
}

// HideFav is one row of the hide_fav table.
type HideFav struct {
	Package   string
	ScenePath string
	Hide      bool
	Fav       bool
}

// InstallStatus is one row of the install_status table.
type InstallStatus struct {
	Package   string
	Installed bool
	Disabled  bool
}

// DownloadStatus is the closed set of download-item states.
type DownloadStatus string

const (
	DownloadQueued      DownloadStatus = "queued"
	DownloadDownloading DownloadStatus = "downloading"
	DownloadPaused      DownloadStatus = "paused"
	DownloadCompleted   DownloadStatus = "completed"
	DownloadFailed      DownloadStatus = "failed"
)

// Download is one row of the downloads table.
type Download struct {
	ID              int64
	URL             string
	Name            string
	Status          DownloadStatus
	DownloadedBytes int64
	TotalBytes      *int64
	SpeedBytes      int64
	Error           string
	SavePath        string
	TempPath        string
	CreatedAt       int64
	UpdatedAt       int64
}

// IsTerminal reports whether the download is in a state the launcher no
// longer drives (completed or failed; paused is non-terminal because it
// can be resumed).
func (d Download) IsTerminal() bool {
	return d.Status == DownloadCompleted || d.Status == DownloadFailed
}

// IsNonTerminal reports the inverse of IsTerminal, matching the
// "queued|downloading|paused" set used for enqueue deduplication.
func (d Download) IsNonTerminal() bool {
	return !d.IsTerminal()
}

// CacheSourceKind distinguishes the two tagged-union source descriptors for
// an image-cache entry.
type CacheSourceKind string

const (
	CacheSourceHub   CacheSourceKind = "hub"
	CacheSourceLocal CacheSourceKind = "local"
)

// CacheEntry is one row of the cache_entries table.
type CacheEntry struct {
	Key           string
	FileName      string
	SourceKind    CacheSourceKind
	SourceURL     string // set when SourceKind == CacheSourceHub
	SourceRoot    string // set when SourceKind == CacheSourceLocal
	SourceRel     string // set when SourceKind == CacheSourceLocal
	SizeBytes     int64
	ContentType   string
	CreatedAt     int64
	LastAccessed  int64
	AccessCount   int64
}

// ExternalMirror is one row of the external_mirrors table (§4.K).
type ExternalMirror struct {
	Package      string
	URL          string
	ProviderRank int
}

// TorrentIndexEntry is one row of the torrent_index table (§4.K).
type TorrentIndexEntry struct {
	Package      string
	TorrentPath  string
}
