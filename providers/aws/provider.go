package aws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/efs"
	"github.com/aws/smithy-go"

	"github.com/picklr-io/broker/internal/model"
	"github.com/picklr-io/broker/pkg/provider"
)

const (
	defaultRegion = "us-east-1"
	pollInterval  = 10 * time.Second
)

// EC2API is the subset of the EC2 client the provider uses.
type EC2API interface {
	ec2.DescribeInstancesAPIClient
	ec2.DescribeNetworkInterfacesAPIClient
	RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	TerminateInstances(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
	StartInstances(ctx context.Context, params *ec2.StartInstancesInput, optFns ...func(*ec2.Options)) (*ec2.StartInstancesOutput, error)
	RebootInstances(ctx context.Context, params *ec2.RebootInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RebootInstancesOutput, error)
	CreateNetworkInterface(ctx context.Context, params *ec2.CreateNetworkInterfaceInput, optFns ...func(*ec2.Options)) (*ec2.CreateNetworkInterfaceOutput, error)
	DeleteNetworkInterface(ctx context.Context, params *ec2.DeleteNetworkInterfaceInput, optFns ...func(*ec2.Options)) (*ec2.DeleteNetworkInterfaceOutput, error)
}

// EFSAPI is the subset of the EFS client the provider uses.
type EFSAPI interface {
	efs.DescribeFileSystemsAPIClient
	CreateFileSystem(ctx context.Context, params *efs.CreateFileSystemInput, optFns ...func(*efs.Options)) (*efs.CreateFileSystemOutput, error)
	DeleteFileSystem(ctx context.Context, params *efs.DeleteFileSystemInput, optFns ...func(*efs.Options)) (*efs.DeleteFileSystemOutput, error)
}

// Settings configure the provider. Unset fields fall back to the shared AWS
// configuration.
type Settings struct {
	Region   string
	Profile  string
	AMI      string
	SubnetID string
}

// SettingsFromMap reads "region", "profile", "ami" and "subnet_id".
func SettingsFromMap(m map[string]string) Settings {
	return Settings{
		Region:   m["region"],
		Profile:  m["profile"],
		AMI:      m["ami"],
		SubnetID: m["subnet_id"],
	}
}

type Provider struct {
	ec2Client EC2API
	efsClient EFSAPI
	settings  Settings
}

func New(ctx context.Context, s Settings) (*Provider, error) {
	if s.Region == "" {
		s.Region = defaultRegion
	}
	opts := []func(*config.LoadOptions) error{config.WithRegion(s.Region)}
	if s.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(s.Profile))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config, %v", err)
	}
	return NewWithClients(ec2.NewFromConfig(cfg), efs.NewFromConfig(cfg), s), nil
}

func NewWithClients(ec2Client EC2API, efsClient EFSAPI, s Settings) *Provider {
	return &Provider{ec2Client: ec2Client, efsClient: efsClient, settings: s}
}

func (p *Provider) Name() string {
	return "aws"
}

func (p *Provider) Create(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	switch req.Type {
	case model.TypeCompute:
		return p.createInstance(ctx, req)
	case model.TypeStorage:
		return p.createFileSystem(ctx, req)
	case model.TypeNetwork:
		return p.createNetworkInterface(ctx, req)
	}
	return provider.Failed(fmt.Sprintf("unsupported resource type: %s", req.Type)), nil
}

func (p *Provider) Delete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	if req.ProviderID == "" {
		return provider.Succeeded(""), nil
	}
	switch req.Type {
	case model.TypeCompute:
		return p.deleteInstance(ctx, req)
	case model.TypeStorage:
		return p.deleteFileSystem(ctx, req)
	case model.TypeNetwork:
		return p.deleteNetworkInterface(ctx, req)
	}
	return provider.Failed(fmt.Sprintf("unsupported resource type: %s", req.Type)), nil
}

func (p *Provider) Start(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	if req.Type != model.TypeCompute {
		return provider.Failed("only compute resources can be started"), nil
	}
	return p.startInstance(ctx, req)
}

// Cleanup reboots instances. File systems and interfaces have nothing to
// reset.
func (p *Provider) Cleanup(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	if req.Type != model.TypeCompute {
		return provider.Succeeded(req.ProviderID), nil
	}
	_, err := p.ec2Client.RebootInstances(ctx, &ec2.RebootInstancesInput{
		InstanceIds: []string{req.ProviderID},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to reboot instance: %w", err)
	}
	return provider.Succeeded(req.ProviderID), nil
}

func (p *Provider) List(ctx context.Context) ([]provider.Resource, error) {
	var out []provider.Resource
	var errs []error

	instances, err := p.listInstances(ctx)
	errs = append(errs, err)
	out = append(out, instances...)

	fileSystems, err := p.listFileSystems(ctx)
	errs = append(errs, err)
	out = append(out, fileSystems...)

	interfaces, err := p.listNetworkInterfaces(ctx)
	errs = append(errs, err)
	out = append(out, interfaces...)

	sort.Slice(out, func(i, j int) bool { return out[i].ResourceID < out[j].ResourceID })
	return out, errors.Join(errs...)
}

// stage is the resume state shared by every AWS operation.
type stage struct {
	Phase string `json:"phase"`
	ID    string `json:"id,omitempty"`
}

func decodeStage(b []byte) (stage, error) {
	var s stage
	if len(b) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(b, &s); err != nil {
		return s, fmt.Errorf("failed to unmarshal provider token: %w", err)
	}
	return s, nil
}

// resume asks to be called again in phase for the resource id.
func resume(phase, id string) *provider.Response {
	b, _ := json.Marshal(stage{Phase: phase, ID: id})
	return provider.InProgress(b, pollInterval)
}

func isNotFound(err error, codes ...string) bool {
	var ae smithy.APIError
	if !errors.As(err, &ae) {
		return false
	}
	for _, c := range codes {
		if ae.ErrorCode() == c {
			return true
		}
	}
	return false
}

// isInvalidRequest reports errors that no retry of the same request fixes.
func isInvalidRequest(err error) bool {
	var ae smithy.APIError
	if !errors.As(err, &ae) {
		return false
	}
	switch ae.ErrorCode() {
	case "Unsupported", "InvalidParameterValue", "InvalidParameterCombination", "InvalidSubnetID.NotFound":
		return true
	}
	return strings.HasPrefix(ae.ErrorCode(), "InvalidAMIID")
}
