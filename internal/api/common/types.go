package common

// HealthResponse represents the health check response
type HealthResponse struct {
	Status string `json:"status" example:"healthy"`
}

// ReadinessResponse represents the readiness check response
type ReadinessResponse struct {
	Status string `json:"status" example:"ready"`
}

// VersionResponse represents the version information response
type VersionResponse struct {
	Version   string `json:"version" example:"v0.3.0"`
	Commit    string `json:"commit" example:"9f2c41ab7"`
	BuildDate string `json:"build_date" example:"2026-02-10T08:15:00Z"`
	GoVersion string `json:"go_version" example:"go1.25.0"`
	Platform  string `json:"platform" example:"linux/amd64"`
}
