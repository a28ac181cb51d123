package backend

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	"github.com/google/uuid"
)

// Instance identifies the machine a worker runs on.
type Instance struct {
	ID   string
	Type string
}

// DetectInstance queries the EC2 instance metadata service. The second
// return is false off EC2 (for example a developer laptop in dry-run),
// where it falls back to a random identity so finished rows stay
// distinguishable.
func DetectInstance(ctx context.Context) (Instance, bool) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	client := imds.New(imds.Options{})
	doc, err := client.GetInstanceIdentityDocument(ctx, &imds.GetInstanceIdentityDocumentInput{})
	if err != nil {
		return Instance{ID: "local-" + uuid.NewString()[:8]}, false
	}
	return Instance{
		ID:   doc.InstanceID,
		Type: doc.InstanceType,
	}, true
}

// Scaler removes this worker from its pool. Deprovision is fire and
// forget: the caller only logs the outcome.
type Scaler interface {
	Deprovision(ctx context.Context) error
}

// ASGScaler terminates the current instance in its auto scaling group and
// decrements the desired capacity, matching one idle worker leaving the
// pool.
type ASGScaler struct {
	api      *autoscaling.Client
	instance Instance
	logger   *log.Logger
}

// NewASGScaler builds a scaler from the default AWS config chain.
func NewASGScaler(ctx context.Context, instance Instance, logger *log.Logger) (*ASGScaler, error) {
	if instance.ID == "" {
		return nil, errors.New("instance id is required")
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return &ASGScaler{
		api:      autoscaling.NewFromConfig(cfg),
		instance: instance,
		logger:   logger,
	}, nil
}

// Deprovision implements Scaler.
func (s *ASGScaler) Deprovision(ctx context.Context) error {
	if s == nil || s.api == nil {
		return errors.New("nil scaler")
	}

	_, err := s.api.TerminateInstanceInAutoScalingGroup(ctx, &autoscaling.TerminateInstanceInAutoScalingGroupInput{
		InstanceId:                     aws.String(s.instance.ID),
		ShouldDecrementDesiredCapacity: aws.Bool(true),
	})
	return err
}
