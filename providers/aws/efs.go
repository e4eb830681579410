package aws

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/efs"
	"github.com/aws/aws-sdk-go-v2/service/efs/types"

	"github.com/picklr-io/broker/internal/model"
	"github.com/picklr-io/broker/pkg/provider"
)

const (
	phaseCreating = "creating"
	phaseDeleting = "deleting"

	codeFileSystemNotFound = "FileSystemNotFound"
)

func (p *Provider) createFileSystem(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	st, err := decodeStage(req.Token)
	if err != nil {
		return nil, err
	}

	if st.Phase != phaseCreating {
		// CreationToken is the resource id, so a redelivered create returns
		// the file system made by the first attempt.
		resp, err := p.efsClient.CreateFileSystem(ctx, &efs.CreateFileSystemInput{
			CreationToken:   aws.String(req.ResourceID),
			Encrypted:       aws.Bool(true),
			PerformanceMode: performanceMode(req),
			Tags:            efsTags(req.ResourceID),
		})
		var exists *types.FileSystemAlreadyExists
		switch {
		case err == nil:
			st.ID = aws.ToString(resp.FileSystemId)
		case errors.As(err, &exists):
			st.ID = aws.ToString(exists.FileSystemId)
		case isInvalidRequest(err):
			return provider.Failed(err.Error()), nil
		default:
			return nil, fmt.Errorf("failed to create file system: %w", err)
		}
	}

	fs, err := p.describeFileSystem(ctx, st.ID)
	if err != nil {
		return nil, err
	}
	if fs == nil {
		return resume(phaseCreating, st.ID), nil
	}
	switch fs.LifeCycleState {
	case types.LifeCycleStateAvailable:
		return provider.Succeeded(st.ID), nil
	case types.LifeCycleStateCreating, types.LifeCycleStateUpdating:
		return resume(phaseCreating, st.ID), nil
	default:
		return provider.Failed(fmt.Sprintf("file system %s entered state %s", st.ID, fs.LifeCycleState)), nil
	}
}

func (p *Provider) deleteFileSystem(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	st, err := decodeStage(req.Token)
	if err != nil {
		return nil, err
	}

	if st.Phase != phaseDeleting {
		_, err := p.efsClient.DeleteFileSystem(ctx, &efs.DeleteFileSystemInput{
			FileSystemId: aws.String(req.ProviderID),
		})
		if isNotFound(err, codeFileSystemNotFound) {
			return provider.Succeeded(req.ProviderID), nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to delete file system: %w", err)
		}
	}

	fs, err := p.describeFileSystem(ctx, req.ProviderID)
	if err != nil {
		return nil, err
	}
	if fs == nil || fs.LifeCycleState == types.LifeCycleStateDeleted {
		return provider.Succeeded(req.ProviderID), nil
	}
	return resume(phaseDeleting, req.ProviderID), nil
}

// describeFileSystem returns nil when the file system does not exist.
func (p *Provider) describeFileSystem(ctx context.Context, id string) (*types.FileSystemDescription, error) {
	resp, err := p.efsClient.DescribeFileSystems(ctx, &efs.DescribeFileSystemsInput{
		FileSystemId: aws.String(id),
	})
	if isNotFound(err, codeFileSystemNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to describe file system: %w", err)
	}
	if len(resp.FileSystems) == 0 {
		return nil, nil
	}
	return &resp.FileSystems[0], nil
}

func (p *Provider) listFileSystems(ctx context.Context) ([]provider.Resource, error) {
	paginator := efs.NewDescribeFileSystemsPaginator(p.efsClient, &efs.DescribeFileSystemsInput{})

	var out []provider.Resource
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return out, fmt.Errorf("failed to list file systems: %w", err)
		}
		for _, fs := range page.FileSystems {
			// EFS has no server-side tag filter.
			if efsTagValue(fs.Tags, provider.TagManagedBy) != provider.ManagedBy {
				continue
			}
			if fs.LifeCycleState == types.LifeCycleStateDeleted || fs.LifeCycleState == types.LifeCycleStateDeleting {
				continue
			}
			res := provider.Resource{
				ResourceID: efsTagValue(fs.Tags, provider.TagResourceID),
				ProviderID: aws.ToString(fs.FileSystemId),
				Type:       model.TypeStorage,
			}
			if fs.CreationTime != nil {
				res.Created = *fs.CreationTime
			}
			if res.ResourceID != "" {
				out = append(out, res)
			}
		}
	}
	return out, nil
}

func performanceMode(req *provider.Request) types.PerformanceMode {
	if req.Properties["performance_mode"] == string(types.PerformanceModeMaxIo) {
		return types.PerformanceModeMaxIo
	}
	return types.PerformanceModeGeneralPurpose
}

func efsTags(resourceID string) []types.Tag {
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

func efsTagValue(tags []types.Tag, key string) string {
	for _, t := range tags {
		if aws.ToString(t.Key) == key {
			return aws.ToString(t.Value)
		}
	}
	return ""
}
