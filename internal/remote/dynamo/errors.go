package dynamo

import (
	"context"
	"errors"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"github.com/matheus3301/convsync/internal/remote"
)

// mapError translates AWS failures into remote error codes so the engine can
// tell connectivity problems from rejections.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if remote.Temporary(err) {
		return remote.Errorf(remote.CodeUnavailable, "%s: %v", op, err)
	}

	var nf *types.ResourceNotFoundException
	if errors.As(err, &nf) {
		return remote.Errorf(remote.CodeNotFound, "%s: %v", op, err)
	}

	var ae smithy.APIError
	if errors.As(err, &ae) {
		switch ae.ErrorCode() {
		case "AccessDeniedException":
			return remote.Errorf(remote.CodePermissionDenied, "%s: %s", op, ae.ErrorMessage())
		case "ValidationException", "ConditionalCheckFailedException", "TransactionCanceledException":
			return remote.Errorf(remote.CodeInvalidArgument, "%s: %s", op, ae.ErrorMessage())
		case "UnrecognizedClientException", "ExpiredTokenException", "InvalidSignatureException", "MissingAuthenticationTokenException":
			return remote.Errorf(remote.CodeUnauthenticated, "%s: %s", op, ae.ErrorMessage())
		case "ProvisionedThroughputExceededException", "ThrottlingException", "RequestLimitExceeded",
			"InternalServerError", "ServiceUnavailable":
			return remote.Errorf(remote.CodeUnavailable, "%s: %s", op, ae.ErrorMessage())
		}
	}
	return remote.Errorf(remote.CodeInternal, "%s: %v", op, err)
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}
