package aws

import (
	"errors"
	"fmt"
	"strings"

	"github.com/aws/smithy-go"

	"github.com/relationaldba/provisiond/internal/ir"
	"github.com/relationaldba/provisiond/internal/provider"
)

// classifyStackError maps CloudFormation API errors onto the provider
// sentinels. CloudFormation reports both conditions as ValidationError and
// only the message tells them apart.
func classifyStackError(stack string, err error) error {
	if err == nil {
		return nil
	}
	var ae smithy.APIError
	if errors.As(err, &ae) && ae.ErrorCode() == "ValidationError" {
		msg := ae.ErrorMessage()
		switch {
		case strings.Contains(msg, "does not exist"):
			return fmt.Errorf("stack %s: %w: %w", stack, provider.ErrStackNotFound, err)
		case strings.Contains(msg, "No updates are to be performed"):
			return fmt.Errorf("stack %s: %w: %w", stack, provider.ErrNoUpdates, err)
		}
	}
	return fmt.Errorf("stack %s: %w", stack, err)
}

// isNotFound reports whether err is a service "not found" error.
func isNotFound(err error) bool {
	var ae smithy.APIError
	if !errors.As(err, &ae) {
		return false
	}
	switch ae.ErrorCode() {
	case "ResourceNotFoundException", "NoSuchHostedZone", "NotFound":
		return true
	}
	return false
}

func notFound(kind, id string, err error) error {
	return fmt.Errorf("%s %s: %w: %w", kind, id, ir.ErrNotFound, err)
}
