package pcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/edgelesssys/go-sgx-qvl/blobs"
	"github.com/edgelesssys/go-sgx-qvl/internal/logging"
	"github.com/edgelesssys/go-sgx-qvl/verification/pcs/pcstest"
	"github.com/edgelesssys/go-sgx-qvl/verification/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	testclock "k8s.io/utils/clock/testing"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestGetTCBInfo(t *testing.T) {
	platform := blobs.NewDefaultPlatform()
	other := blobs.NewDefaultPlatform()
	tcbInfoJSON := platform.TCBInfoJSON(blobs.FMSPC, blobs.DefaultTCBLevels(platform.Extension))

	testCases := map[string]struct {
		api     *fakeAPI
		time    time.Time
		wantErr bool
	}{
		"success": {
			api:  &fakeAPI{tcbInfoJSON: tcbInfoJSON, issuerChain: platform.IssuerChainHeader()},
			time: platform.Now,
		},
		"pcs error": {
			api: &fakeAPI{
				tcbInfoJSON: tcbInfoJSON,
				issuerChain: platform.IssuerChainHeader(),
				requestErr:  errors.New("failed"),
			},
			time:    platform.Now,
			wantErr: true,
		},
		"tcb info expired": {
			api:     &fakeAPI{tcbInfoJSON: tcbInfoJSON, issuerChain: platform.IssuerChainHeader()},
			time:    platform.Now.AddDate(0, 0, 31),
			wantErr: true,
		},
		"tcb info not yet valid": {
			api:     &fakeAPI{tcbInfoJSON: tcbInfoJSON, issuerChain: platform.IssuerChainHeader()},
			time:    platform.Now.Add(-2 * time.Hour),
			wantErr: true,
		},
		"tcb info invalid json": {
			api:     &fakeAPI{tcbInfoJSON: []byte("invalid json"), issuerChain: platform.IssuerChainHeader()},
			time:    platform.Now,
			wantErr: true,
		},
		"tcb info invalid signature": {
			api: &fakeAPI{
				tcbInfoJSON: []byte(strings.Replace(string(tcbInfoJSON), `"tcbEvaluationDataNumber":15`, `"tcbEvaluationDataNumber":16`, 1)),
				issuerChain: platform.IssuerChainHeader(),
			},
			time:    platform.Now,
			wantErr: true,
		},
		"signed by other platform": {
			api:     &fakeAPI{tcbInfoJSON: tcbInfoJSON, issuerChain: other.IssuerChainHeader()},
			time:    platform.Now,
			wantErr: true,
		},
		"issuer chain missing root": {
			api: &fakeAPI{
				tcbInfoJSON: tcbInfoJSON,
				issuerChain: url.QueryEscape(string(blobs.CertificatesPEM(platform.TCBSigningCert, platform.PCKCACert))),
			},
			time:    platform.Now,
			wantErr: true,
		},
		"issuer chain too long": {
			api: &fakeAPI{
				tcbInfoJSON: tcbInfoJSON,
				issuerChain: url.QueryEscape(string(blobs.CertificatesPEM(platform.TCBSigningCert, platform.PCKCACert, platform.RootCert))),
			},
			time:    platform.Now,
			wantErr: true,
		},
		"issuer chain not PEM": {
			api:     &fakeAPI{tcbInfoJSON: tcbInfoJSON, issuerChain: "not a certificate"},
			time:    platform.Now,
			wantErr: true,
		},
		"unsupported version": {
			api: &fakeAPI{
				tcbInfoJSON: platform.SignDocument("tcbInfo", []byte(`{
					"id": "SGX", "version": 4,
					"issueDate": "`+platform.Now.Add(-time.Hour).Format(time.RFC3339)+`",
					"nextUpdate": "`+platform.Now.Add(time.Hour).Format(time.RFC3339)+`",
					"fmspc": "00906EA10000", "tcbLevels": []
				}`)),
				issuerChain: platform.IssuerChainHeader(),
			},
			time:    platform.Now,
			wantErr: true,
		},
		"TDX TCB Info": {
			api: &fakeAPI{
				tcbInfoJSON: platform.SignDocument("tcbInfo", []byte(`{
					"id": "TDX", "version": 3,
					"issueDate": "`+platform.Now.Add(-time.Hour).Format(time.RFC3339)+`",
					"nextUpdate": "`+platform.Now.Add(time.Hour).Format(time.RFC3339)+`",
					"fmspc": "00906EA10000", "tcbLevels": []
				}`)),
				issuerChain: platform.IssuerChainHeader(),
			},
			time:    platform.Now,
			wantErr: true,
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			client := &TrustedServicesClient{
				api:     tc.api,
				baseURL: &url.URL{Scheme: "https", Host: "pcs.example.com"},
				rootCA:  platform.RootCert,
				clock:   testclock.NewFakePassiveClock(tc.time),
				log:     logging.NewNop(),
			}

			tcbInfo, err := client.GetTCBInfo(context.Background(), blobs.FMSPC)
			if tc.wantErr {
				assert.Error(err)
				return
			}

			assert.NoError(err)
			assert.Equal(blobs.FMSPC, tcbInfo.FMSPC)
			assert.Len(tcbInfo.TCBLevels, 4)
		})
	}
}

func TestOpenTCBInfoV2(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	platform := blobs.NewDefaultPlatform()
	body := `{
		"version": 2,
		"issueDate": "` + platform.Now.Add(-time.Hour).Format(time.RFC3339) + `",
		"nextUpdate": "` + platform.Now.Add(time.Hour).Format(time.RFC3339) + `",
		"fmspc": "00906EA10000",
		"pceId": "0000",
		"tcbType": 0,
		"tcbEvaluationDataNumber": 14,
		"tcbLevels": [{
			"tcb": {
				"sgxtcbcomp01svn": 5, "sgxtcbcomp02svn": 5, "sgxtcbcomp03svn": 2, "sgxtcbcomp04svn": 2,
				"sgxtcbcomp05svn": 2, "sgxtcbcomp06svn": 1, "sgxtcbcomp07svn": 0, "sgxtcbcomp08svn": 3,
				"sgxtcbcomp09svn": 0, "sgxtcbcomp10svn": 0, "sgxtcbcomp11svn": 0, "sgxtcbcomp12svn": 0,
				"sgxtcbcomp13svn": 0, "sgxtcbcomp14svn": 0, "sgxtcbcomp15svn": 0, "sgxtcbcomp16svn": 0,
				"pcesvn": 11
			},
			"tcbDate": "2022-11-09T00:00:00Z",
			"tcbStatus": "ConfigurationNeeded"
		}]
	}`
	collateral := Collateral{
		Body:        platform.SignDocument("tcbInfo", []byte(body)),
		IssuerChain: platform.IssuerChainHeader(),
	}

	tcbInfo, err := OpenTCBInfo(collateral, platform.RootCert, platform.Now)
	require.NoError(err)
	assert.EqualValues(2, tcbInfo.Version)
	assert.EqualValues(14, tcbInfo.TCBEvaluationDataNumber)
	require.Len(tcbInfo.TCBLevels, 1)
	assert.Equal(status.ConfigurationNeeded, tcbInfo.TCBLevels[0].TCBStatus)
}

func TestGetQEIdentity(t *testing.T) {
	platform := blobs.NewDefaultPlatform()
	qeIdentityJSON := platform.QEIdentityJSON(blobs.DefaultQEIdentity())
	tdQEIdentityJSON := []byte(strings.Replace(
		string(platform.QEIdentityJSON(blobs.DefaultQEIdentity())), `"id":"QE"`, `"id":"TD_QE"`, 1,
	))

	testCases := map[string]struct {
		api     *fakeAPI
		time    time.Time
		wantErr bool
	}{
		"success": {
			api:  &fakeAPI{qeIdentityJSON: qeIdentityJSON, issuerChain: platform.IssuerChainHeader()},
			time: platform.Now,
		},
		"pcs error": {
			api: &fakeAPI{
				qeIdentityJSON: qeIdentityJSON,
				issuerChain:    platform.IssuerChainHeader(),
				requestErr:     errors.New("failed"),
			},
			time:    platform.Now,
			wantErr: true,
		},
		"qe identity expired": {
			api:     &fakeAPI{qeIdentityJSON: qeIdentityJSON, issuerChain: platform.IssuerChainHeader()},
			time:    platform.Now.AddDate(0, 0, 31),
			wantErr: true,
		},
		"qe identity not yet valid": {
			api:     &fakeAPI{qeIdentityJSON: qeIdentityJSON, issuerChain: platform.IssuerChainHeader()},
			time:    platform.Now.Add(-2 * time.Hour),
			wantErr: true,
		},
		"qe identity invalid json": {
			api:     &fakeAPI{qeIdentityJSON: []byte("invalid json"), issuerChain: platform.IssuerChainHeader()},
			time:    platform.Now,
			wantErr: true,
		},
		"qe identity invalid signature": {
			// the ID is changed after signing
			api:     &fakeAPI{qeIdentityJSON: tdQEIdentityJSON, issuerChain: platform.IssuerChainHeader()},
			time:    platform.Now,
			wantErr: true,
		},
		"TDX QE identity": {
			api: &fakeAPI{
				qeIdentityJSON: platform.SignDocument("enclaveIdentity", []byte(`{
					"id": "TD_QE", "version": 2,
					"issueDate": "`+platform.Now.Add(-time.Hour).Format(time.RFC3339)+`",
					"nextUpdate": "`+platform.Now.Add(time.Hour).Format(time.RFC3339)+`",
					"miscselect": "00000000", "miscselectMask": "FFFFFFFF",
					"attributes": "11000000000000000000000000000000",
					"attributesMask": "FBFFFFFFFFFFFFFF0000000000000000",
					"mrsigner": "`+strings.Repeat("00", 32)+`",
					"isvprodid": 2, "tcbLevels": []
				}`)),
				issuerChain: platform.IssuerChainHeader(),
			},
			time:    platform.Now,
			wantErr: true,
		},
		"tcb info instead of qe identity": {
			api: &fakeAPI{
				qeIdentityJSON: platform.TCBInfoJSON(blobs.FMSPC, blobs.DefaultTCBLevels(platform.Extension)),
				issuerChain:    platform.IssuerChainHeader(),
			},
			time:    platform.Now,
			wantErr: true,
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			client := &TrustedServicesClient{
				api:     tc.api,
				baseURL: &url.URL{Scheme: "https", Host: "pcs.example.com"},
				rootCA:  platform.RootCert,
				clock:   testclock.NewFakePassiveClock(tc.time),
				log:     logging.NewNop(),
			}

			qeIdentity, err := client.GetQEIdentity(context.Background())
			if tc.wantErr {
				assert.Error(err)
				return
			}
			assert.NoError(err)
			assert.Equal(blobs.QEMRSIGNER, qeIdentity.MRSIGNER)
		})
	}
}

func TestPCSURL(t *testing.T) {
	testCases := map[string]struct {
		baseURL   string
		update    string
		wantPath  string
		wantQuery string
	}{
		"intel": {
			baseURL:   DefaultBaseURL,
			update:    UpdateEarly,
			wantPath:  "/sgx/certification/v4/tcb",
			wantQuery: "update=early",
		},
		"caching service with prefix": {
			baseURL:  "https://pccs.example.com/pcs/",
			wantPath: "/pcs/sgx/certification/v4/tcb",
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			client, err := New(Config{BaseURL: tc.baseURL, Update: tc.update})
			require.NoError(err)

			uri := client.pcsURL(tcbPath)
			assert.Equal(tc.wantPath, uri.Path)
			assert.Equal(tc.wantQuery, uri.RawQuery)
		})
	}
}

func TestNewInvalidBaseURL(t *testing.T) {
	assert := assert.New(t)

	_, err := New(Config{BaseURL: "pcs.example.com"})
	assert.Error(err)
	_, err = New(Config{BaseURL: "http://[::1"})
	assert.Error(err)
}

func TestTrustedServicesClient(t *testing.T) {
	testCases := map[string]struct {
		fmspc        [6]byte
		failures     int
		failStatus   int
		wantErr      bool
		wantRequests int
	}{
		"success": {
			fmspc:        blobs.FMSPC,
			wantRequests: 2,
		},
		"retry on too many requests": {
			fmspc:        blobs.FMSPC,
			failures:     2,
			failStatus:   http.StatusTooManyRequests,
			wantRequests: 4,
		},
		"retry on server error": {
			fmspc:        blobs.FMSPC,
			failures:     1,
			failStatus:   http.StatusServiceUnavailable,
			wantRequests: 3,
		},
		"retries exhausted": {
			fmspc:        blobs.FMSPC,
			failures:     10,
			failStatus:   http.StatusInternalServerError,
			wantErr:      true,
			wantRequests: 4,
		},
		"unknown FMSPC is not retried": {
			fmspc:        [6]byte{0x00, 0x90, 0x6E, 0xA1, 0x00, 0x01},
			wantErr:      true,
			wantRequests: 1,
		},
		"bad request is not retried": {
			fmspc:        blobs.FMSPC,
			failures:     1,
			failStatus:   http.StatusBadRequest,
			wantErr:      true,
			wantRequests: 1,
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			platform := blobs.NewDefaultPlatform()
			pcs := pcstest.New(platform)
			pcs.FailNext(tc.failures, tc.failStatus)
			server := httptest.NewServer(pcs)
			defer server.Close()

			client, err := New(Config{
				BaseURL:       server.URL,
				APIKey:        "subscription-key",
				Update:        UpdateStandard,
				Timeout:       5 * time.Second,
				MaxRetries:    3,
				RetryInterval: time.Millisecond,
			}, WithRootCA(platform.RootCert), WithClock(testclock.NewFakePassiveClock(platform.Now)))
			require.NoError(err)

			ctx := context.Background()
			tcbInfo, err := client.GetTCBInfo(ctx, tc.fmspc)
			if tc.wantErr {
				assert.Error(err)
				assert.Equal(tc.wantRequests, pcs.Requests())
				return
			}
			require.NoError(err)
			assert.Equal(tc.fmspc, tcbInfo.FMSPC)

			qeIdentity, err := client.GetQEIdentity(ctx)
			require.NoError(err)
			assert.Equal(blobs.QEISVProdID, qeIdentity.ISVProdID)

			assert.Equal(tc.wantRequests, pcs.Requests())
			for _, key := range pcs.APIKeys() {
				assert.Equal("subscription-key", key)
			}
		})
	}
}

func TestFetchOversizedResponse(t *testing.T) {
	testCases := map[string]struct {
		size    int
		wantErr bool
	}{
		"at limit": {
			size: maxResponseSize,
		},
		"over limit": {
			size:    maxResponseSize + 1,
			wantErr: true,
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			platform := blobs.NewDefaultPlatform()
			pcs := pcstest.New(platform)
			pcs.SetQEIdentity(bytes.Repeat([]byte{' '}, tc.size))
			server := httptest.NewServer(pcs)
			defer server.Close()

			client, err := New(Config{
				BaseURL:       server.URL,
				Timeout:       5 * time.Second,
				MaxRetries:    3,
				RetryInterval: time.Millisecond,
			}, WithRootCA(platform.RootCert))
			require.NoError(err)

			collateral, err := client.FetchQEIdentity(context.Background())
			assert.Equal(1, pcs.Requests())
			if tc.wantErr {
				assert.ErrorContains(err, "response exceeds")
				return
			}
			require.NoError(err)
			assert.Len(collateral.Body, tc.size)
		})
	}
}

func TestGetFromPCSCanceled(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	platform := blobs.NewDefaultPlatform()
	pcs := pcstest.New(platform)
	pcs.FailNext(100, http.StatusTooManyRequests)
	server := httptest.NewServer(pcs)
	defer server.Close()

	client, err := New(Config{
		BaseURL:       server.URL,
		Timeout:       5 * time.Second,
		MaxRetries:    100,
		RetryInterval: 10 * time.Millisecond,
	}, WithRootCA(platform.RootCert))
	require.NoError(err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = client.FetchQEIdentity(ctx)
	assert.Error(err)
	assert.Less(pcs.Requests(), 100)
}

type fakeAPI struct {
	tcbInfoJSON    []byte
	qeIdentityJSON []byte
	issuerChain    string
	requestErr     error
}

func (f *fakeAPI) getFromPCS(_ context.Context, uri *url.URL, certHeader string) ([]byte, string, error) {
	if f.requestErr != nil {
		return nil, "", f.requestErr
	}

	switch {
	case strings.HasSuffix(uri.Path, tcbPath) && certHeader == tcbHeader:
		return f.tcbInfoJSON, f.issuerChain, nil
	case strings.HasSuffix(uri.Path, qePath) && certHeader == qeHeader:
		return f.qeIdentityJSON, f.issuerChain, nil
	default:
		return nil, "", fmt.Errorf("unexpected path: %s", uri.Path)
	}
}
