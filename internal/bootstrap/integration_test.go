package bootstrap

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"libralend/internal/circulation"
	"libralend/internal/config"
	"libralend/internal/inventory"
)

// backends yields a live HTTP server per available store: memory always,
// Postgres when DATABASE_URL points at a reachable server.
func backends(t *testing.T, fn func(t *testing.T, baseURL string)) {
	drivers := []config.Database{{Driver: config.DriverMemory}}
	if url := os.Getenv("DATABASE_URL"); url != "" {
		drivers = append(drivers,
			config.Database{Driver: config.DriverPostgres, URL: url, LockTimeout: 2 * time.Second},
			config.Database{Driver: config.DriverPGX, URL: url, LockTimeout: 2 * time.Second},
		)
	}

	for _, db := range drivers {
		t.Run(db.Driver, func(t *testing.T) {
			cfg := config.Default()
			cfg.Database = db
			logger := slog.New(slog.DiscardHandler)

			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			backend, err := Open(ctx, cfg.Database)
			if err != nil {
				t.Skipf("skipping %s: %v", db.Driver, err)
			}
			t.Cleanup(func() { backend.Close() })

			svc, dispatcher := NewService(cfg, backend, logger)
			t.Cleanup(func() { dispatcher.Close(context.Background()) })

			srv := httptest.NewServer(NewRouter(cfg, svc, backend, logger))
			t.Cleanup(srv.Close)
			fn(t, srv.URL)
		})
	}
}

func post(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func getBook(t *testing.T, baseURL string, id uuid.UUID) inventory.Book {
	t.Helper()
	resp, err := http.Get(fmt.Sprintf("%s/books/%s", baseURL, id))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var b inventory.Book
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&b))
	return b
}

func TestCheckoutFlow(t *testing.T) {
	backends(t, func(t *testing.T, baseURL string) {
		resp := post(t, baseURL+"/books", map[string]any{"title": "Pride and Prejudice", "total_copies": 5})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		var book inventory.Book
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&book))

		resp = post(t, baseURL+"/loans", map[string]any{"user_id": uuid.New(), "book_id": book.ID})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		var loan circulation.Loan
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&loan))

		assert.Equal(t, 4, getBook(t, baseURL, book.ID).AvailableCopies)

		resp = post(t, baseURL+"/loans/"+loan.ID.String()+"/return", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		assert.Equal(t, 5, getBook(t, baseURL, book.ID).AvailableCopies)
	})
}

func TestConcurrentCheckoutPreventsDoubleBooking(t *testing.T) {
	backends(t, func(t *testing.T, baseURL string) {
		resp := post(t, baseURL+"/books", map[string]any{"title": "The Great Gatsby", "total_copies": 1})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		var book inventory.Book
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&book))

		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			successes int
			conflicts int
		)
		for range 10 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				data, _ := json.Marshal(map[string]any{"user_id": uuid.New(), "book_id": book.ID})
				resp, err := http.Post(baseURL+"/loans", "application/json", bytes.NewReader(data))
				if err != nil {
					return
				}
				defer resp.Body.Close()
				mu.Lock()
				defer mu.Unlock()
				switch resp.StatusCode {
				case http.StatusCreated:
					successes++
				case http.StatusConflict:
					conflicts++
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, successes, "only one concurrent checkout should succeed")
		assert.Equal(t, 9, conflicts)
		assert.Equal(t, 0, getBook(t, baseURL, book.ID).AvailableCopies)
	})
}
