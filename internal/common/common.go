package common

// Shared constants to enforce DRY and avoid magic strings/numbers.

// HTTP headers and content types
const (
	HeaderAPIKey       = "X-API-Key" // #nosec G101 - header name constant, not a credential
	HeaderCacheControl = "Cache-Control"
	HeaderConnection   = "Connection"
	HeaderContentType  = "Content-Type"
	ContentTypeJSON    = "application/json"
	ContentTypeSSE     = "text/event-stream"
)

// API paths
const (
	PathHealthz = "/healthz"
	PathMetrics = "/metrics"
	PathAPI     = "/api"
	PathOutputs = "/outputs"
)

// Route segments per pipeline kind
const (
	RouteLidar            = "lidar"
	RouteMultispectral    = "multispectral"
	RouteTreeDetection    = "tree-detection"
	RouteCarbonEstimation = "carbon-estimation"
)

// Defaults and limits
const (
	DefaultQueueCapacity = 128
	DefaultWorkerCount   = 4
	SQLiteBusyTimeoutMS  = 5000
	MaxMultispectralImgs = 10
)

// Subdirectory names inside a job directory
const (
	JobsDirName   = "jobs"
	InputDirName  = "input"
	OutputDirName = "output"
)

// Progress event status strings
const (
	EventStarted    = "started"
	EventProcessing = "processing"
	EventCompleted  = "completed"
	EventError      = "error"
)

// Accepted upload extensions
var (
	PointCloudExts = []string{".las", ".laz"}
	RasterExts     = []string{".tif", ".tiff"}
)

// Tool stdout markers
const (
	MarkerGeoJSON       = "GeoJSON"
	MarkerVisualization = "Visualization"
	MarkerCSV           = "CSV"
	MarkerSummary       = "SUMMARY"
)
