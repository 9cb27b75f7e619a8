package schema

import "errors"

var (
	// ErrInvalidUser indicates an invalid user identifier.
	ErrInvalidUser = errors.New("invalid user")
	// ErrInvalidIdentifier indicates an app identifier that could not be resolved to an App Store id.
	ErrInvalidIdentifier = errors.New("could not extract app id")
	// ErrAppNotFound indicates the App Store lookup returned no results.
	ErrAppNotFound = errors.New("app not found")
	// ErrAppNotMonitored indicates the user does not monitor the app.
	ErrAppNotMonitored = errors.New("app not monitored")
	// ErrInvalidEndpoint indicates a malformed notification endpoint URL.
	ErrInvalidEndpoint = errors.New("invalid endpoint url")
	// ErrEndpointIndex indicates an endpoint index outside the configured range.
	ErrEndpointIndex = errors.New("invalid endpoint index")
	// ErrMissingToken indicates the bot token is not configured.
	ErrMissingToken = errors.New("telegram bot token is not set")
	// ErrDataDirUnwritable indicates the data directory cannot be written by the process.
	ErrDataDirUnwritable = errors.New("data directory is not writable")
)
