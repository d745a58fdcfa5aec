package kubernetes

import (
	k8serrors "k8s.io/apimachinery/pkg/api/errors"

	"github.com/agustingarciaflores/pr-environments/internal/provisioner"
)

// wrap classifies a Kubernetes API error into the provisioner taxonomy.
// Ensure and Remove call sites absorb NotFound and AlreadyExists before
// wrapping; a NotFound that does reach here (restarting an absent
// deployment) is permanent.
func wrap(op string, err error) error {
	switch {
	case k8serrors.IsTimeout(err),
		k8serrors.IsServerTimeout(err),
		k8serrors.IsTooManyRequests(err),
		k8serrors.IsServiceUnavailable(err),
		k8serrors.IsInternalError(err),
		k8serrors.IsUnexpectedServerError(err):
		return provisioner.Transient(op, err)

	case k8serrors.IsConflict(err):
		return provisioner.Conflict(op, err)

	case k8serrors.IsForbidden(err),
		k8serrors.IsUnauthorized(err),
		k8serrors.IsInvalid(err),
		k8serrors.IsBadRequest(err),
		k8serrors.IsRequestEntityTooLargeError(err),
		k8serrors.IsNotFound(err):
		return provisioner.Permanent(op, err)
	}

	if _, ok := err.(k8serrors.APIStatus); ok {
		return provisioner.Permanent(op, err)
	}
	// Not an API status error: connectivity trouble on the way to the
	// apiserver is worth retrying.
	return provisioner.Transient(op, err)
}
