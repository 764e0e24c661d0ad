package azure

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/arm"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/cloud"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"

	"github.com/openfroyo/cloudenv/pkg/config"
	"github.com/openfroyo/cloudenv/pkg/engine"
)

const (
	testSub = "00000000-0000-0000-0000-000000000001"
	testRG  = "cloudenv-rg"
)

var testLocation = engine.ResourceLocation{
	SubscriptionID: testSub,
	ResourceGroup:  testRG,
	Location:       "westus2",
	ServiceType:    engine.ServiceTypeCompute,
}

type fakeCredential struct{}

func (f *fakeCredential) GetToken(_ context.Context, _ policy.TokenRequestOptions) (azcore.AccessToken, error) {
	return azcore.AccessToken{Token: "fake-token", ExpiresOn: time.Now().Add(time.Hour)}, nil
}

// fakeARM is a minimal Resource Manager endpoint. Paths match
// case-insensitively, unmatched requests get an ARM 404.
type fakeARM struct {
	*httptest.Server

	mu     sync.Mutex
	routes map[string]http.HandlerFunc
	calls  map[string]int
	bodies map[string][]byte
}

func newFakeARM(t *testing.T) *fakeARM {
	f := &fakeARM{
		routes: make(map[string]http.HandlerFunc),
		calls:  make(map[string]int),
		bodies: make(map[string][]byte),
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.Close)
	return f
}

func routeKey(method, path string) string {
	return method + " " + strings.ToLower(path)
}

func (f *fakeARM) handle(method, path string, h http.HandlerFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes[routeKey(method, path)] = h
}

func (f *fakeARM) serve(w http.ResponseWriter, r *http.Request) {
	key := routeKey(r.Method, r.URL.Path)

	f.mu.Lock()
	f.calls[key]++
	if r.Body != nil {
		if data, _ := io.ReadAll(r.Body); len(data) > 0 {
			f.bodies[key] = data
		}
	}
	h, ok := f.routes[key]
	f.mu.Unlock()

	if !ok {
		writeJSON(w, http.StatusNotFound, armError("ResourceNotFound", "not found"))
		return
	}
	h(w, r)
}

func (f *fakeARM) count(method, path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[routeKey(method, path)]
}

func (f *fakeARM) body(method, path string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bodies[routeKey(method, path)]
}

func (f *fakeARM) factory(settings BreakerSettings) *ClientFactory {
	options := &arm.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Cloud: cloud.Configuration{
				Services: map[cloud.ServiceName]cloud.ServiceConfiguration{
					cloud.ResourceManager: {
						Endpoint: f.URL,
						Audience: "https://management.azure.com/",
					},
				},
			},
			Retry:                           policy.RetryOptions{MaxRetries: -1},
			InsecureAllowCredentialWithHTTP: true,
		},
	}
	return NewClientFactoryWithCredential(&fakeCredential{}, options, settings, nil)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

func armError(code, message string) map[string]interface{} {
	return map[string]interface{}{"error": map[string]interface{}{"code": code, "message": message}}
}

func respond(status int, body interface{}) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, status, body)
	}
}

func armPath(provider, kind, name string) string {
	return "/subscriptions/" + testSub + "/resourceGroups/" + testRG + "/providers/" + provider + "/" + kind + "/" + name
}

var testCompute = config.ComputeDefaults{
	ImagePublisher: "Canonical",
	ImageOffer:     "0001-com-ubuntu-server-jammy",
	ImageSku:       "22_04-lts-gen2",
	ImageVersion:   "22.04.202401010",
	AdminUsername:  "cloudenv",
	SSHPublicKey:   "ssh-ed25519 AAAA test",
	OSDiskSizeGB:   64,
	DiskSku:        "Premium_LRS",
}

var testNetwork = config.NetworkDefaults{
	VirtualNetwork: "cloudenv-vnet",
	Subnet:         "default",
	AddressPrefix:  "10.0.0.0/16",
	SubnetPrefix:   "10.0.0.0/20",
}
