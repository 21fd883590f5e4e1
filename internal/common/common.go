package common

// Shared constants to enforce DRY and avoid magic strings/numbers.

// HTTP headers and content types
const (
	HeaderAPIKey    = "X-API-Key" // #nosec G101 - header name constant, not a credential
	ContentTypeJSON = "application/json"
	ContentTypeZip  = "application/zip"
	ContentTypeOcts = "application/octet-stream"
)

// API paths
const (
	PathHealthz     = "/healthz"
	PathConversions = "/v1/conversions"
	PathFormats     = "/v1/formats"
	PathStats       = "/v1/stats"
)

// Defaults and limits
const (
	DefaultQueueCapacity = 128
	DefaultWorkerCount   = 4
	DefaultMaxBridges    = 2
	SQLiteBusyTimeoutMS  = 5000
	StderrTailBytes      = 4096
)

// Converter executables
const (
	PandocExecutable      = "pandoc"
	LibreOfficeExecutable = "soffice"
	MarkerExecutable      = "marker_single"
)

// Subdirectory and file names inside the storage dir and result archives
const (
	UploadsDirName   = "uploads"
	TasksDirName     = "tasks"
	WorkDirName      = "work"
	OutDirName       = "out"
	ImagesDirName    = "images"
	MarkdownFileName = "document.md"
	DatabaseFileName = "docmark.db"
	ArchiveSuffix    = "_result.zip"
)

// Callback status strings
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)
