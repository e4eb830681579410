package aws

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"

	"github.com/picklr-io/broker/internal/model"
	"github.com/picklr-io/broker/pkg/provider"
)

const (
	phaseLaunching   = "launching"
	phaseTerminating = "terminating"
	phaseStarting    = "starting"

	codeInstanceNotFound  = "InvalidInstanceID.NotFound"
	codeInterfaceNotFound = "InvalidNetworkInterfaceID.NotFound"
)

// instanceTypes maps broker SKU names to EC2 instance types.
var instanceTypes = map[string]types.InstanceType{
	"standard_d2": types.InstanceTypeM5Large,
	"standard_d4": types.InstanceTypeM5Xlarge,
	"standard_d8": types.InstanceTypeM52xlarge,
	"basic_a1":    types.InstanceTypeT3Small,
}

func instanceType(req *provider.Request) (types.InstanceType, bool) {
	if v := req.Properties["instance_type"]; v != "" {
		return types.InstanceType(v), true
	}
	t, ok := instanceTypes[strings.ToLower(req.SkuName)]
	return t, ok
}

func (p *Provider) createInstance(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	st, err := decodeStage(req.Token)
	if err != nil {
		return nil, err
	}

	if st.Phase == phaseLaunching {
		instance, err := p.describeInstance(ctx, st.ID)
		if isNotFound(err, codeInstanceNotFound) {
			// not yet visible after RunInstances
			return resume(phaseLaunching, st.ID), nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to describe instance: %w", err)
		}
		switch instanceState(instance) {
		case types.InstanceStateNameRunning:
			return provider.Succeeded(st.ID), nil
		case types.InstanceStateNamePending:
			return resume(phaseLaunching, st.ID), nil
		default:
			return provider.Failed(fmt.Sprintf("instance %s entered state %s", st.ID, instanceState(instance))), nil
		}
	}

	itype, ok := instanceType(req)
	if !ok {
		return provider.Failed(fmt.Sprintf("no instance type for sku %s", req.SkuName)), nil
	}
	ami := req.Properties["ami"]
	if ami == "" {
		ami = p.settings.AMI
	}
	if ami == "" {
		return provider.Failed("no AMI configured"), nil
	}

	input := &ec2.RunInstancesInput{
		ImageId:      aws.String(ami),
		InstanceType: itype,
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		// The resource id makes redelivered launches idempotent.
		ClientToken: aws.String(req.ResourceID),
		TagSpecifications: []types.TagSpecification{{
			ResourceType: types.ResourceTypeInstance,
			Tags:         ec2Tags(req.ResourceID),
		}},
	}
	if subnet := p.subnet(req); subnet != "" {
		input.SubnetId = aws.String(subnet)
	}

	resp, err := p.ec2Client.RunInstances(ctx, input)
	if err != nil {
		if isInvalidRequest(err) {
			return provider.Failed(err.Error()), nil
		}
		return nil, fmt.Errorf("failed to run instance: %w", err)
	}
	if len(resp.Instances) == 0 {
		return nil, fmt.Errorf("no instances created")
	}
	return resume(phaseLaunching, aws.ToString(resp.Instances[0].InstanceId)), nil
}

func (p *Provider) deleteInstance(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	st, err := decodeStage(req.Token)
	if err != nil {
		return nil, err
	}

	if st.Phase == phaseTerminating {
		instance, err := p.describeInstance(ctx, req.ProviderID)
		if isNotFound(err, codeInstanceNotFound) {
			return provider.Succeeded(req.ProviderID), nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to describe instance: %w", err)
		}
		if instanceState(instance) == types.InstanceStateNameTerminated {
			return provider.Succeeded(req.ProviderID), nil
		}
		return resume(phaseTerminating, req.ProviderID), nil
	}

	_, err = p.ec2Client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []string{req.ProviderID},
	})
	if isNotFound(err, codeInstanceNotFound) {
		return provider.Succeeded(req.ProviderID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to terminate instance: %w", err)
	}
	return resume(phaseTerminating, req.ProviderID), nil
}

func (p *Provider) startInstance(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	st, err := decodeStage(req.Token)
	if err != nil {
		return nil, err
	}

	if st.Phase == phaseStarting {
		instance, err := p.describeInstance(ctx, req.ProviderID)
		if err != nil {
			return nil, fmt.Errorf("failed to describe instance: %w", err)
		}
		switch instanceState(instance) {
		case types.InstanceStateNameRunning:
			return provider.Succeeded(req.ProviderID), nil
		case types.InstanceStateNamePending, types.InstanceStateNameStopped, types.InstanceStateNameStopping:
			return resume(phaseStarting, req.ProviderID), nil
		default:
			return provider.Failed(fmt.Sprintf("instance %s entered state %s", req.ProviderID, instanceState(instance))), nil
		}
	}

	_, err = p.ec2Client.StartInstances(ctx, &ec2.StartInstancesInput{
		InstanceIds: []string{req.ProviderID},
	})
	if isNotFound(err, codeInstanceNotFound) {
		return provider.Failed(fmt.Sprintf("instance %s not found", req.ProviderID)), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to start instance: %w", err)
	}
	return resume(phaseStarting, req.ProviderID), nil
}

func (p *Provider) describeInstance(ctx context.Context, id string) (*types.Instance, error) {
	resp, err := p.ec2Client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{id},
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Reservations) == 0 || len(resp.Reservations[0].Instances) == 0 {
		return nil, &smithy.GenericAPIError{Code: codeInstanceNotFound, Message: id, Fault: smithy.FaultClient}
	}
	return &resp.Reservations[0].Instances[0], nil
}

func (p *Provider) listInstances(ctx context.Context) ([]provider.Resource, error) {
	paginator := ec2.NewDescribeInstancesPaginator(p.ec2Client, &ec2.DescribeInstancesInput{
		Filters: []types.Filter{
			{Name: aws.String("tag:" + provider.TagManagedBy), Values: []string{provider.ManagedBy}},
			{Name: aws.String("instance-state-name"), Values: []string{"pending", "running", "stopping", "stopped"}},
		},
	})

	var out []provider.Resource
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return out, fmt.Errorf("failed to list instances: %w", err)
		}
		for _, r := range page.Reservations {
			for _, i := range r.Instances {
				id := tagValue(i.Tags, provider.TagResourceID)
				if id == "" {
					continue
				}
				res := provider.Resource{ResourceID: id, ProviderID: aws.ToString(i.InstanceId), Type: model.TypeCompute}
				if i.LaunchTime != nil {
					res.Created = *i.LaunchTime
				}
				out = append(out, res)
			}
		}
	}
	return out, nil
}

func (p *Provider) createNetworkInterface(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	subnet := p.subnet(req)
	if subnet == "" {
		return provider.Failed("no subnet configured for network interface"), nil
	}
	resp, err := p.ec2Client.CreateNetworkInterface(ctx, &ec2.CreateNetworkInterfaceInput{
		SubnetId:    aws.String(subnet),
		Description: aws.String("broker " + req.ResourceID),
		ClientToken: aws.String(req.ResourceID),
		TagSpecifications: []types.TagSpecification{{
			ResourceType: types.ResourceTypeNetworkInterface,
			Tags:         ec2Tags(req.ResourceID),
		}},
	})
	if err != nil {
		if isInvalidRequest(err) {
			return provider.Failed(err.Error()), nil
		}
		return nil, fmt.Errorf("failed to create network interface: %w", err)
	}
	return provider.Succeeded(aws.ToString(resp.NetworkInterface.NetworkInterfaceId)), nil
}

func (p *Provider) deleteNetworkInterface(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	_, err := p.ec2Client.DeleteNetworkInterface(ctx, &ec2.DeleteNetworkInterfaceInput{
		NetworkInterfaceId: aws.String(req.ProviderID),
	})
	if err != nil && !isNotFound(err, codeInterfaceNotFound) {
		return nil, fmt.Errorf("failed to delete network interface: %w", err)
	}
	return provider.Succeeded(req.ProviderID), nil
}

func (p *Provider) listNetworkInterfaces(ctx context.Context) ([]provider.Resource, error) {
	paginator := ec2.NewDescribeNetworkInterfacesPaginator(p.ec2Client, &ec2.DescribeNetworkInterfacesInput{
		Filters: []types.Filter{
			{Name: aws.String("tag:" + provider.TagManagedBy), Values: []string{provider.ManagedBy}},
		},
	})

	var out []provider.Resource
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return out, fmt.Errorf("failed to list network interfaces: %w", err)
		}
		for _, ni := range page.NetworkInterfaces {
			id := tagValue(ni.TagSet, provider.TagResourceID)
			if id == "" {
				continue
			}
			out = append(out, provider.Resource{
				ResourceID: id,
				ProviderID: aws.ToString(ni.NetworkInterfaceId),
				Type:       model.TypeNetwork,
			})
		}
	}
	return out, nil
}

func (p *Provider) subnet(req *provider.Request) string {
	if v := req.Properties["subnet_id"]; v != "" {
		return v
	}
	return p.settings.SubnetID
}

func instanceState(i *types.Instance) types.InstanceStateName {
	if i.State == nil {
		return types.InstanceStateNamePending
	}
	return i.State.Name
}

func ec2Tags(resourceID string) []types.Tag {
	tags := provider.Tags(resourceID)
	tags["Name"] = "broker-" + resourceID

	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]types.Tag, 0, len(keys))
	for _, k := range keys {
		out = append(out, types.Tag{Key: aws.String(k), Value: aws.String(tags[k])})
	}
	return out
}

func tagValue(tags []types.Tag, key string) string {
	for _, t := range tags {
		if aws.ToString(t.Key) == key {
			return aws.ToString(t.Value)
		}
	}
	return ""
}
