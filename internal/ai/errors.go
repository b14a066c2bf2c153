package ai

import "errors"

var (
	ErrProviderNotConfigured = errors.New("ai provider not configured")
	ErrPromptTemplate        = errors.New("invalid prompt template")
)
