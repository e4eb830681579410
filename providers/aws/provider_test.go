package aws

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/efs"
	efstypes "github.com/aws/aws-sdk-go-v2/service/efs/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/picklr-io/broker/internal/model"
	"github.com/picklr-io/broker/pkg/provider"
)

type fakeEC2 struct {
	EC2API

	run          *ec2.RunInstancesInput
	state        ec2types.InstanceStateName
	terminateErr error
	instances    []ec2types.Instance
	interfaces   []ec2types.NetworkInterface
}

func (f *fakeEC2) RunInstances(ctx context.Context, in *ec2.RunInstancesInput, _ ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error) {
	f.run = in
	return &ec2.RunInstancesOutput{Instances: []ec2types.Instance{{InstanceId: aws.String("i-1")}}}, nil
}

func (f *fakeEC2) DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	if len(in.InstanceIds) > 0 {
		if f.state == "" {
			return &ec2.DescribeInstancesOutput{}, nil
		}
		return &ec2.DescribeInstancesOutput{Reservations: []ec2types.Reservation{{
			Instances: []ec2types.Instance{{
				InstanceId: aws.String(in.InstanceIds[0]),
				State:      &ec2types.InstanceState{Name: f.state},
			}},
		}}}, nil
	}
	return &ec2.DescribeInstancesOutput{Reservations: []ec2types.Reservation{{Instances: f.instances}}}, nil
}

func (f *fakeEC2) TerminateInstances(ctx context.Context, in *ec2.TerminateInstancesInput, _ ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error) {
	return &ec2.TerminateInstancesOutput{}, f.terminateErr
}

func (f *fakeEC2) DescribeNetworkInterfaces(ctx context.Context, in *ec2.DescribeNetworkInterfacesInput, _ ...func(*ec2.Options)) (*ec2.DescribeNetworkInterfacesOutput, error) {
	return &ec2.DescribeNetworkInterfacesOutput{NetworkInterfaces: f.interfaces}, nil
}

type fakeEFS struct {
	EFSAPI

	createErr   error
	state       efstypes.LifeCycleState
	fileSystems []efstypes.FileSystemDescription
}

func (f *fakeEFS) CreateFileSystem(ctx context.Context, in *efs.CreateFileSystemInput, _ ...func(*efs.Options)) (*efs.CreateFileSystemOutput, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &efs.CreateFileSystemOutput{FileSystemId: aws.String("fs-new")}, nil
}

func (f *fakeEFS) DescribeFileSystems(ctx context.Context, in *efs.DescribeFileSystemsInput, _ ...func(*efs.Options)) (*efs.DescribeFileSystemsOutput, error) {
	if in.FileSystemId != nil {
		return &efs.DescribeFileSystemsOutput{FileSystems: []efstypes.FileSystemDescription{{
			FileSystemId:   in.FileSystemId,
			LifeCycleState: f.state,
		}}}, nil
	}
	return &efs.DescribeFileSystemsOutput{FileSystems: f.fileSystems}, nil
}

func computeRequest() *provider.Request {
	return &provider.Request{
		ResourceID: "res-1",
		Type:       model.TypeCompute,
		SkuName:    "Standard_D2",
		Location:   "us-west-2",
	}
}

func TestCreateInstance_LaunchesAndWaits(t *testing.T) {
	ctx := context.Background()
	fake := &fakeEC2{}
	p := NewWithClients(fake, &fakeEFS{}, Settings{AMI: "ami-123"})

	req := computeRequest()
	resp, err := p.Create(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, model.StateInProgress, resp.Status)
	assert.Equal(t, "res-1", aws.ToString(fake.run.ClientToken))
	assert.Equal(t, ec2types.InstanceTypeM5Large, fake.run.InstanceType)
	assert.Equal(t, "ami-123", aws.ToString(fake.run.ImageId))
	assert.Equal(t, "res-1", tagValue(fake.run.TagSpecifications[0].Tags, provider.TagResourceID))

	var st stage
	require.NoError(t, json.Unmarshal(resp.Token, &st))
	assert.Equal(t, stage{Phase: phaseLaunching, ID: "i-1"}, st)

	// not visible yet
	req.Token = resp.Token
	resp, err = p.Create(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, model.StateInProgress, resp.Status)

	fake.state = ec2types.InstanceStateNamePending
	resp, err = p.Create(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, model.StateInProgress, resp.Status)

	fake.state = ec2types.InstanceStateNameRunning
	resp, err = p.Create(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, model.StateSucceeded, resp.Status)
	assert.Equal(t, "i-1", resp.ProviderID)
}

func TestCreateInstance_TerminalFailures(t *testing.T) {
	tests := []struct {
		name     string
		settings Settings
		sku      string
	}{
		{name: "no ami", sku: "Standard_D2"},
		{name: "unknown sku", settings: Settings{AMI: "ami-1"}, sku: "Huge_Z9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewWithClients(&fakeEC2{}, &fakeEFS{}, tt.settings)
			req := computeRequest()
			req.SkuName = tt.sku
			resp, err := p.Create(context.Background(), req)
			require.NoError(t, err)
			assert.Equal(t, model.StateFailed, resp.Status)
			assert.NotEmpty(t, resp.ErrorReason)
		})
	}
}

func TestDeleteInstance(t *testing.T) {
	ctx := context.Background()

	t.Run("already gone", func(t *testing.T) {
		fake := &fakeEC2{terminateErr: &smithy.GenericAPIError{Code: codeInstanceNotFound}}
		p := NewWithClients(fake, &fakeEFS{}, Settings{})
		req := computeRequest()
		req.ProviderID = "i-1"
		resp, err := p.Delete(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, model.StateSucceeded, resp.Status)
	})

	t.Run("waits for terminated", func(t *testing.T) {
		fake := &fakeEC2{state: ec2types.InstanceStateNameShuttingDown}
		p := NewWithClients(fake, &fakeEFS{}, Settings{})
		req := computeRequest()
		req.ProviderID = "i-1"

		resp, err := p.Delete(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, model.StateInProgress, resp.Status)

		req.Token = resp.Token
		resp, err = p.Delete(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, model.StateInProgress, resp.Status)

		fake.state = ec2types.InstanceStateNameTerminated
		resp, err = p.Delete(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, model.StateSucceeded, resp.Status)
	})

	t.Run("no provider id", func(t *testing.T) {
		p := NewWithClients(&fakeEC2{}, &fakeEFS{}, Settings{})
		resp, err := p.Delete(ctx, computeRequest())
		require.NoError(t, err)
		assert.Equal(t, model.StateSucceeded, resp.Status)
	})
}

func TestCreateFileSystem_ReusesExisting(t *testing.T) {
	fake := &fakeEFS{
		createErr: &efstypes.FileSystemAlreadyExists{FileSystemId: aws.String("fs-old")},
		state:     efstypes.LifeCycleStateAvailable,
	}
	p := NewWithClients(&fakeEC2{}, fake, Settings{})

	resp, err := p.Create(context.Background(), &provider.Request{ResourceID: "res-2", Type: model.TypeStorage})
	require.NoError(t, err)
	assert.Equal(t, model.StateSucceeded, resp.Status)
	assert.Equal(t, "fs-old", resp.ProviderID)
}

func TestCreateFileSystem_WaitsForAvailable(t *testing.T) {
	ctx := context.Background()
	fake := &fakeEFS{state: efstypes.LifeCycleStateCreating}
	p := NewWithClients(&fakeEC2{}, fake, Settings{})
	req := &provider.Request{ResourceID: "res-2", Type: model.TypeStorage}

	resp, err := p.Create(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, model.StateInProgress, resp.Status)

	fake.state = efstypes.LifeCycleStateAvailable
	req.Token = resp.Token
	resp, err = p.Create(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, model.StateSucceeded, resp.Status)
	assert.Equal(t, "fs-new", resp.ProviderID)
}

func TestList_TaggedOnly(t *testing.T) {
	launched := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	ec2Fake := &fakeEC2{
		instances: []ec2types.Instance{
			{InstanceId: aws.String("i-1"), Tags: ec2Tags("res-a"), LaunchTime: &launched},
			{InstanceId: aws.String("i-2")},
		},
		interfaces: []ec2types.NetworkInterface{
			{NetworkInterfaceId: aws.String("eni-1"), TagSet: ec2Tags("res-c")},
		},
	}
	efsFake := &fakeEFS{fileSystems: []efstypes.FileSystemDescription{
		{FileSystemId: aws.String("fs-1"), Tags: efsTags("res-b"), LifeCycleState: efstypes.LifeCycleStateAvailable},
		{FileSystemId: aws.String("fs-2"), LifeCycleState: efstypes.LifeCycleStateAvailable},
		{FileSystemId: aws.String("fs-3"), Tags: efsTags("res-d"), LifeCycleState: efstypes.LifeCycleStateDeleting},
	}}
	p := NewWithClients(ec2Fake, efsFake, Settings{})

	res, err := p.List(context.Background())
	require.NoError(t, err)
	require.Len(t, res, 3)
	assert.Equal(t, provider.Resource{ResourceID: "res-a", ProviderID: "i-1", Type: model.TypeCompute, Created: launched}, res[0])
	assert.Equal(t, "fs-1", res[1].ProviderID)
	assert.Equal(t, model.TypeStorage, res[1].Type)
	assert.Equal(t, "eni-1", res[2].ProviderID)
	assert.Equal(t, model.TypeNetwork, res[2].Type)
}

func TestSettingsFromMap(t *testing.T) {
	s := SettingsFromMap(map[string]string{"region": "eu-west-1", "ami": "ami-9", "subnet_id": "subnet-1"})
	assert.Equal(t, Settings{Region: "eu-west-1", AMI: "ami-9", SubnetID: "subnet-1"}, s)
}
