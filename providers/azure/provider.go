// Package azure provisions storage accounts through Azure Resource Manager.
// Long-running creates are driven by ARM pollers whose resume token is
// carried as the provider token between steps.
package azure

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/storage/armstorage"

	"github.com/picklr-io/broker/internal/model"
	"github.com/picklr-io/broker/pkg/provider"
)

const pollInterval = 15 * time.Second

// CreatePoller is the part of an ARM poller the provider drives.
type CreatePoller interface {
	Poll(ctx context.Context) (*http.Response, error)
	Done() bool
	Result(ctx context.Context) (armstorage.AccountsClientCreateResponse, error)
	ResumeToken() (string, error)
}

// Accounts wraps the storage accounts client.
type Accounts interface {
	// BeginCreate starts a create, or resumes one when resumeToken is set.
	BeginCreate(ctx context.Context, resourceGroup, name string, params armstorage.AccountCreateParameters, resumeToken string) (CreatePoller, error)
	Delete(ctx context.Context, resourceGroup, name string) error
	List(ctx context.Context, resourceGroup string) ([]*armstorage.Account, error)
}

type armAccounts struct {
	client *armstorage.AccountsClient
}

func (a *armAccounts) BeginCreate(ctx context.Context, rg, name string, params armstorage.AccountCreateParameters, resumeToken string) (CreatePoller, error) {
	return a.client.BeginCreate(ctx, rg, name, params, &armstorage.AccountsClientBeginCreateOptions{ResumeToken: resumeToken})
}

func (a *armAccounts) Delete(ctx context.Context, rg, name string) error {
	_, err := a.client.Delete(ctx, rg, name, nil)
	return err
}

func (a *armAccounts) List(ctx context.Context, rg string) ([]*armstorage.Account, error) {
	var out []*armstorage.Account
	pager := a.client.NewListByResourceGroupPager(rg, nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return out, err
		}
		out = append(out, page.Value...)
	}
	return out, nil
}

type Settings struct {
	SubscriptionID string
	ResourceGroup  string
}

// SettingsFromMap reads "subscription_id" and "resource_group".
func SettingsFromMap(m map[string]string) Settings {
	return Settings{SubscriptionID: m["subscription_id"], ResourceGroup: m["resource_group"]}
}

type Provider struct {
	accounts      Accounts
	resourceGroup string
}

func New(s Settings) (*Provider, error) {
	if s.SubscriptionID == "" || s.ResourceGroup == "" {
		return nil, fmt.Errorf("azure provider requires 'subscription_id' and 'resource_group' configuration")
	}
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to obtain azure credential: %w", err)
	}
	client, err := armstorage.NewAccountsClient(s.SubscriptionID, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage accounts client: %w", err)
	}
	return NewWithAccounts(&armAccounts{client: client}, s.ResourceGroup), nil
}

func NewWithAccounts(accounts Accounts, resourceGroup string) *Provider {
	return &Provider{accounts: accounts, resourceGroup: resourceGroup}
}

func (p *Provider) Name() string {
	return "azure"
}

// token is the resume state of a create.
type token struct {
	Account string `json:"account"`
	Resume  string `json:"resume"`
}

func (p *Provider) Create(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	if req.Type != model.TypeStorage {
		return provider.Failed(fmt.Sprintf("azure provider supports storage resources only, got %s", req.Type)), nil
	}

	var tok token
	if len(req.Token) > 0 {
		if err := json.Unmarshal(req.Token, &tok); err != nil {
			return nil, fmt.Errorf("failed to unmarshal provider token: %w", err)
		}
	}
	if tok.Account == "" {
		tok.Account = AccountName(req.ResourceID)
	}

	poller, err := p.accounts.BeginCreate(ctx, p.resourceGroup, tok.Account, createParams(req), tok.Resume)
	if err != nil {
		return classify(err, "failed to begin storage account create")
	}
	if tok.Resume != "" {
		if _, err := poller.Poll(ctx); err != nil {
			return classify(err, "failed to poll storage account create")
		}
	}

	if poller.Done() {
		if _, err := poller.Result(ctx); err != nil {
			return classify(err, "storage account create failed")
		}
		return provider.Succeeded(tok.Account), nil
	}

	resume, err := poller.ResumeToken()
	if err != nil {
		return nil, fmt.Errorf("failed to get resume token: %w", err)
	}
	tok.Resume = resume
	b, err := json.Marshal(tok)
	if err != nil {
		return nil, err
	}
	return provider.InProgress(b, pollInterval), nil
}

func (p *Provider) Delete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	if req.ProviderID == "" {
		return provider.Succeeded(""), nil
	}
	err := p.accounts.Delete(ctx, p.resourceGroup, req.ProviderID)
	if err != nil && statusCode(err) != http.StatusNotFound {
		return classify(err, "failed to delete storage account")
	}
	return provider.Succeeded(req.ProviderID), nil
}

func (p *Provider) Start(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	return provider.Failed("only compute resources can be started"), nil
}

// Cleanup has nothing to reset on a storage account.
func (p *Provider) Cleanup(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	return provider.Succeeded(req.ProviderID), nil
}

func (p *Provider) List(ctx context.Context) ([]provider.Resource, error) {
	accounts, err := p.accounts.List(ctx, p.resourceGroup)
	if err != nil {
		return nil, fmt.Errorf("failed to list storage accounts: %w", err)
	}

	var out []provider.Resource
	for _, a := range accounts {
		if a == nil || deref(a.Tags[provider.TagManagedBy]) != provider.ManagedBy {
			continue
		}
		id := deref(a.Tags[provider.TagResourceID])
		if id == "" {
			continue
		}
		r := provider.Resource{ResourceID: id, ProviderID: deref(a.Name), Type: model.TypeStorage}
		if a.Properties != nil && a.Properties.CreationTime != nil {
			r.Created = *a.Properties.CreationTime
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ResourceID < out[j].ResourceID })
	return out, nil
}

// AccountName derives a storage account name from a resource id. Account
// names are 3 to 24 lowercase letters and digits.
func AccountName(resourceID string) string {
	var b strings.Builder
	b.WriteString("brk")
	for _, r := range strings.ToLower(resourceID) {
		if b.Len() == 24 {
			break
		}
		if (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func createParams(req *provider.Request) armstorage.AccountCreateParameters {
	tags := make(map[string]*string)
	for k, v := range provider.Tags(req.ResourceID) {
		tags[k] = to.Ptr(v)
	}
	sku := armstorage.SKUNameStandardLRS
	if v := req.Properties["sku"]; v != "" {
		sku = armstorage.SKUName(v)
	}
	return armstorage.AccountCreateParameters{
		Kind:     to.Ptr(armstorage.KindStorageV2),
		Location: to.Ptr(req.Location),
		SKU:      &armstorage.SKU{Name: to.Ptr(sku)},
		Tags:     tags,
		Properties: &armstorage.AccountPropertiesCreateParameters{
			EnableHTTPSTrafficOnly: to.Ptr(true),
			MinimumTLSVersion:      to.Ptr(armstorage.MinimumTLSVersionTLS12),
		},
	}
}

// classify turns client errors into terminal failures and leaves the rest
// to be retried.
func classify(err error, msg string) (*provider.Response, error) {
	switch code := statusCode(err); {
	case code == http.StatusTooManyRequests || code >= 500:
		return nil, fmt.Errorf("%s: %w", msg, err)
	case code >= 400:
		return provider.Failed(fmt.Sprintf("%s: %s", msg, errorCode(err))), nil
	}
	return nil, fmt.Errorf("%s: %w", msg, err)
}

func statusCode(err error) int {
	var re *azcore.ResponseError
	if errors.As(err, &re) {
		return re.StatusCode
	}
	return 0
}

func errorCode(err error) string {
	var re *azcore.ResponseError
	if errors.As(err, &re) && re.ErrorCode != "" {
		return re.ErrorCode
	}
	return err.Error()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
