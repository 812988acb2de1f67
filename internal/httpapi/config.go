package httpapi

// Config carries the HTTP facade settings.
type Config struct {
	ListenAddr     string
	AllowedOrigins []string
}
