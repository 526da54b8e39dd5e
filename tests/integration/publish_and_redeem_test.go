package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dropforge-labs/dropforge/internal/auth"
	"github.com/dropforge-labs/dropforge/internal/blobstore"
	"github.com/dropforge-labs/dropforge/internal/collections"
	"github.com/dropforge-labs/dropforge/internal/ledger"
	"github.com/dropforge-labs/dropforge/internal/manifest"
	"github.com/dropforge-labs/dropforge/internal/redemption"
	"github.com/dropforge-labs/dropforge/internal/server"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

// fakeBlobGateway serves the publisher/aggregator HTTP surface in memory.
type fakeBlobGateway struct {
	mu    sync.Mutex
	blobs map[string][]byte
	next  int
}

func (g *fakeBlobGateway) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPut && r.URL.Path == "/v1/blobs":
			body := new(bytes.Buffer)
			body.ReadFrom(r.Body)
			g.mu.Lock()
			g.next++
			id := fmt.Sprintf("blob-%d", g.next)
			g.blobs[id] = body.Bytes()
			g.mu.Unlock()
			json.NewEncoder(w).Encode(map[string]any{
				"newlyCreated": map[string]any{"blobObject": map[string]any{"blobId": id}},
			})
		case strings.HasPrefix(r.URL.Path, "/v1/blobs/"):
			id := strings.TrimPrefix(r.URL.Path, "/v1/blobs/")
			g.mu.Lock()
			payload, ok := g.blobs[id]
			g.mu.Unlock()
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			if r.Method == http.MethodGet {
				w.Write(payload)
			}
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

// fakeLedgerNode implements the JSON-RPC surface with a stateful collection
// registry: creations append events, mints advance the counter.
type fakeLedgerNode struct {
	mu     sync.Mutex
	nextTx int
	nextID int
	fields map[string]map[string]string
	events []map[string]any
}

func (n *fakeLedgerNode) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var request struct {
			ID     any    `json:"id"`
			Method string `json:"method"`
			Params []any  `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
			t.Errorf("decode rpc request: %v", err)
			return
		}

		respond := func(result any, rpcErr map[string]any) {
			response := map[string]any{"jsonrpc": "2.0", "id": request.ID}
			if rpcErr != nil {
				response["error"] = rpcErr
			} else {
				response["result"] = result
			}
			json.NewEncoder(w).Encode(response)
		}

		n.mu.Lock()
		defer n.mu.Unlock()

		switch request.Method {
		case "ledger_submitCall":
			raw, _ := json.Marshal(request.Params[0])
			var call ledger.Call
			json.Unmarshal(raw, &call)
			n.nextTx++
			digest := fmt.Sprintf("tx-%d", n.nextTx)
			switch call.Function {
			case "create_collection":
				n.nextID++
				id := fmt.Sprintf("0xcol-%d", n.nextID)
				var name, description, supply, manifestRef, price string
				json.Unmarshal(call.Args[1].Value, &name)
				json.Unmarshal(call.Args[2].Value, &description)
				json.Unmarshal(call.Args[3].Value, &supply)
				json.Unmarshal(call.Args[5].Value, &manifestRef)
				json.Unmarshal(call.Args[6].Value, &price)
				n.fields[id] = map[string]string{
					"name":         name,
					"description":  description,
					"creator":      call.Sender,
					"max_supply":   supply,
					"minted_count": "0",
					"mint_price":   price,
					"base_uri":     manifestRef,
				}
				n.events = append([]map[string]any{{
					"type":        "0xpkg::dropforge::CollectionCreated",
					"timestampMs": time.Now().UnixMilli(),
					"parsedJson": map[string]any{
						"collection_id": id,
						"creator":       call.Sender,
						"name":          name,
					},
				}}, n.events...)
			case "mint_nft":
				var id string
				json.Unmarshal(call.Args[0].Value, &id)
				fields, ok := n.fields[id]
				if !ok {
					respond(nil, map[string]any{"code": -32000, "message": "unknown collection"})
					return
				}
				var payment string
				json.Unmarshal(call.Args[4].Value, &payment)
				if payment != fields["mint_price"] {
					respond(nil, map[string]any{"code": -32000, "message": "insufficient payment"})
					return
				}
				var minted, supply int
				fmt.Sscanf(fields["minted_count"], "%d", &minted)
				fmt.Sscanf(fields["max_supply"], "%d", &supply)
				if minted >= supply {
					respond(nil, map[string]any{"code": -32000, "message": "collection sold out"})
					return
				}
				fields["minted_count"] = fmt.Sprintf("%d", minted+1)
			}
			respond(map[string]any{"digest": digest}, nil)
		case "ledger_getTransactionStatus":
			respond(map[string]any{"status": "confirmed"}, nil)
		case "ledger_getObject":
			id, _ := request.Params[0].(string)
			fields, ok := n.fields[id]
			if !ok {
				respond(nil, map[string]any{"code": -32001, "message": "no such object"})
				return
			}
			respond(map[string]any{"id": id, "fields": fields}, nil)
		case "ledger_queryEvents":
			respond(map[string]any{"data": n.events}, nil)
		default:
			respond(nil, map[string]any{"code": -32601, "message": "unknown method"})
		}
	})
}

type pipelineFixture struct {
	handler http.Handler
}

func newPipelineFixture(t *testing.T) *pipelineFixture {
	t.Helper()

	gateway := &fakeBlobGateway{blobs: map[string][]byte{}}
	gatewayServer := httptest.NewServer(gateway.handler())
	t.Cleanup(gatewayServer.Close)

	node := &fakeLedgerNode{fields: map[string]map[string]string{}}
	nodeServer := httptest.NewServer(node.handler(t))
	t.Cleanup(nodeServer.Close)

	db, err := gorm.Open(sqlite.Open("file:pipeline_integration?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&collections.SnapshotRecord{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	blobClient, err := blobstore.NewHTTPClient(blobstore.HTTPClientConfig{
		PublisherURL:  gatewayServer.URL,
		AggregatorURL: gatewayServer.URL,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ledgerClient, err := ledger.NewRPCClient(ledger.RPCClientConfig{
		RPCURL:           nodeServer.URL,
		FinalityPoll:     time.Millisecond,
		FinalityAttempts: 10,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	registry, err := collections.NewService(collections.ServiceConfig{
		Ledger:     ledgerClient,
		BlobStore:  blobClient,
		Database:   db,
		PackageID:  "0xpkg",
		RegistryID: "0xregistry",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	builder, err := manifest.NewBuilder(manifest.BuilderConfig{BlobStore: blobClient})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	coordinator, err := redemption.NewCoordinator(redemption.CoordinatorConfig{
		Ledger:    ledgerClient,
		Registry:  registry,
		PackageID: "0xpkg",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sessions := auth.NewSessionIssuer(auth.SessionIssuerConfig{
		SigningSecret: []byte("integration-secret"),
		TokenTTL:      time.Minute,
	})

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sessions:    sessions,
		Registry:    registry,
		Publisher:   builder,
		Coordinator: coordinator,
		AppBaseURL:  "https://dropforge.example",
		QREndpoint:  "https://api.qrserver.com/v1/create-qr-code/",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	return &pipelineFixture{handler: handler}
}

func (f *pipelineFixture) do(t *testing.T, request *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	return recorder
}

func (f *pipelineFixture) sessionToken(t *testing.T, address string) string {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"address": address})
	request := httptest.NewRequest(http.MethodPost, "/session", bytes.NewReader(body))
	request.Header.Set("Content-Type", "application/json")
	recorder := f.do(t, request)
	if recorder.Code != http.StatusOK {
		t.Fatalf("session request failed: %d %s", recorder.Code, recorder.Body.String())
	}
	var response struct {
		AccessToken string `json:"access_token"`
	}
	json.Unmarshal(recorder.Body.Bytes(), &response)
	return response.AccessToken
}

func (f *pipelineFixture) createCollection(t *testing.T, token string, assets ...string) string {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	writer.WriteField("name", "Orcas")
	writer.WriteField("description", "Deep sea drop")
	writer.WriteField("supply_cap", fmt.Sprintf("%d", len(assets)))
	writer.WriteField("royalty_bps", "500")
	writer.WriteField("price", "1000000000")
	for i, asset := range assets {
		part, _ := writer.CreateFormFile("assets", fmt.Sprintf("asset-%d.jpg", i))
		part.Write([]byte(asset))
	}
	writer.Close()

	request := httptest.NewRequest(http.MethodPost, "/collections", body)
	request.Header.Set("Content-Type", writer.FormDataContentType())
	request.Header.Set("Authorization", "Bearer "+token)
	recorder := f.do(t, request)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("create failed: %d %s", recorder.Code, recorder.Body.String())
	}
	var response struct {
		CollectionID string `json:"collection_id"`
	}
	json.Unmarshal(recorder.Body.Bytes(), &response)
	return response.CollectionID
}

func (f *pipelineFixture) readCollection(t *testing.T, id string) map[string]any {
	t.Helper()
	request := httptest.NewRequest(http.MethodGet, "/collections/"+id, nil)
	recorder := f.do(t, request)
	if recorder.Code != http.StatusOK {
		t.Fatalf("read failed: %d %s", recorder.Code, recorder.Body.String())
	}
	var response map[string]any
	json.Unmarshal(recorder.Body.Bytes(), &response)
	return response
}

func TestPublishCreateAndRedeemFlow(t *testing.T) {
	fixture := newPipelineFixture(t)

	creatorToken := fixture.sessionToken(t, "0xcreator")
	collectionID := fixture.createCollection(t, creatorToken, "payload-0", "payload-1", "payload-2")

	// Freshly created collection: every slot available.
	response := fixture.readCollection(t, collectionID)
	if response["minted_count"] != float64(0) {
		t.Fatalf("expected minted count 0, got %v", response["minted_count"])
	}
	slotList, _ := response["slots"].([]any)
	if len(slotList) != 3 {
		t.Fatalf("expected 3 slots, got %d", len(slotList))
	}

	// Creator sees the collection in their listing.
	listRequest := httptest.NewRequest(http.MethodGet, "/collections", nil)
	listRequest.Header.Set("Authorization", "Bearer "+creatorToken)
	listRecorder := fixture.do(t, listRequest)
	if listRecorder.Code != http.StatusOK {
		t.Fatalf("listing failed: %d", listRecorder.Code)
	}
	if !strings.Contains(listRecorder.Body.String(), collectionID) {
		t.Fatalf("expected %s in listing, got %s", collectionID, listRecorder.Body.String())
	}

	// A buyer redeems slot 0; the response reflects the refreshed counter.
	buyerToken := fixture.sessionToken(t, "0xbuyer")
	mintBody, _ := json.Marshal(map[string]int{"index": 0})
	mintRequest := httptest.NewRequest(http.MethodPost, "/collections/"+collectionID+"/mint", bytes.NewReader(mintBody))
	mintRequest.Header.Set("Content-Type", "application/json")
	mintRequest.Header.Set("Authorization", "Bearer "+buyerToken)
	mintRecorder := fixture.do(t, mintRequest)
	if mintRecorder.Code != http.StatusOK {
		t.Fatalf("mint failed: %d %s", mintRecorder.Code, mintRecorder.Body.String())
	}
	var mintResponse map[string]any
	json.Unmarshal(mintRecorder.Body.Bytes(), &mintResponse)
	if mintResponse["minted_count"] != float64(1) {
		t.Fatalf("expected minted count 1, got %v", mintResponse["minted_count"])
	}
	if mintResponse["message"] != "Successfully minted Orcas #1!" {
		t.Fatalf("unexpected message %v", mintResponse["message"])
	}

	// Slot 0 is now unavailable, higher slots stay available.
	response = fixture.readCollection(t, collectionID)
	slotList, _ = response["slots"].([]any)
	first, _ := slotList[0].(map[string]any)
	last, _ := slotList[2].(map[string]any)
	if first["available"] != false || last["available"] != true {
		t.Fatalf("unexpected availability after mint: %v", slotList)
	}

	// A share link for the consumed slot reports already redeemed.
	shareRequest := httptest.NewRequest(http.MethodGet, "/collections/"+collectionID+"/share/0", nil)
	shareRecorder := fixture.do(t, shareRequest)
	if shareRecorder.Code != http.StatusOK {
		t.Fatalf("share link failed: %d", shareRecorder.Code)
	}
	var shareResponse struct {
		URL string `json:"url"`
	}
	json.Unmarshal(shareRecorder.Body.Bytes(), &shareResponse)

	autoBody, _ := json.Marshal(map[string]string{"url": shareResponse.URL})
	autoRequest := httptest.NewRequest(http.MethodPost, "/collections/"+collectionID+"/automint", bytes.NewReader(autoBody))
	autoRequest.Header.Set("Content-Type", "application/json")
	autoRequest.Header.Set("Authorization", "Bearer "+buyerToken)
	autoRecorder := fixture.do(t, autoRequest)
	var autoResponse map[string]any
	json.Unmarshal(autoRecorder.Body.Bytes(), &autoResponse)
	if autoResponse["status"] != "already_redeemed" {
		t.Fatalf("expected already_redeemed, got %v", autoResponse)
	}

	// A share link for a live slot auto-mints for a connected buyer.
	shareRequest = httptest.NewRequest(http.MethodGet, "/collections/"+collectionID+"/share/2", nil)
	shareRecorder = fixture.do(t, shareRequest)
	json.Unmarshal(shareRecorder.Body.Bytes(), &shareResponse)

	autoBody, _ = json.Marshal(map[string]string{"url": shareResponse.URL})
	autoRequest = httptest.NewRequest(http.MethodPost, "/collections/"+collectionID+"/automint", bytes.NewReader(autoBody))
	autoRequest.Header.Set("Content-Type", "application/json")
	autoRequest.Header.Set("Authorization", "Bearer "+buyerToken)
	autoRecorder = fixture.do(t, autoRequest)
	json.Unmarshal(autoRecorder.Body.Bytes(), &autoResponse)
	if autoResponse["status"] != "redeemed" {
		t.Fatalf("expected redeemed, got %v", autoResponse)
	}
	if autoResponse["minted_count"] != float64(2) {
		t.Fatalf("expected minted count 2, got %v", autoResponse["minted_count"])
	}
}
