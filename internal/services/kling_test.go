package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKlingDuration(t *testing.T) {
	d, err := klingDuration("5s")
	require.NoError(t, err)
	assert.Equal(t, "5", d)

	d, err = klingDuration("10s")
	require.NoError(t, err)
	assert.Equal(t, "10", d)

	_, err = klingDuration("0s")
	assert.Error(t, err)
	_, err = klingDuration("31s")
	assert.Error(t, err)
	_, err = klingDuration("long")
	assert.Error(t, err)
}

func TestValidateKlingSettings(t *testing.T) {
	assert.NoError(t, validateKlingSettings(VideoSettings{}))
	assert.NoError(t, validateKlingSettings(VideoSettings{Model: "kling-v1-6", Duration: "5s", AspectRatio: "9:16"}))

	assert.Error(t, validateKlingSettings(VideoSettings{Model: "sora"}))
	assert.Error(t, validateKlingSettings(VideoSettings{Duration: "45s"}))
	assert.Error(t, validateKlingSettings(VideoSettings{AspectRatio: "21:9"}))
}

func TestKlingGenerateVideo(t *testing.T) {
	videoBytes := []byte("mp4-bytes")

	var gotIssuer atomic.Value
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	defer server.Close()

	mux.HandleFunc("/videos/image2video", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "POST", r.Method)

		// Verify the signed bearer token against the shared secret
		raw := r.Header.Get("Authorization")
		require.True(t, len(raw) > 7 && raw[:7] == "Bearer ")
		token, err := jwt.Parse(raw[7:], func(t *jwt.Token) (interface{}, error) {
			return []byte("secret-key"), nil
		})
		require.NoError(t, err)
		iss, _ := token.Claims.GetIssuer()
		gotIssuer.Store(iss)

		var body klingCreateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "kling-v1-6", body.ModelName)
		assert.Equal(t, "pro", body.Mode)
		assert.Equal(t, "5", body.Duration)
		assert.Equal(t, "https://cdn.example.com/still.png", body.Image)
		assert.Equal(t, "make it move", body.Prompt)

		fmt.Fprintf(w, `{"code":0,"data":{"task_id":"kt-1","task_status":"submitted"}}`)
	})
	mux.HandleFunc("/videos/image2video/kt-1", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"code":0,"data":{"task_id":"kt-1","task_status":"succeed","task_result":{"videos":[{"url":"%s/video.mp4"}]}}}`, server.URL)
	})
	mux.HandleFunc("/video.mp4", func(w http.ResponseWriter, r *http.Request) {
		w.Write(videoBytes)
	})

	svc := NewKlingService("access-key", "secret-key")
	svc.baseURL = server.URL
	svc.pollInterval = 0

	data, err := svc.GenerateVideo(context.Background(), "make it move", "https://cdn.example.com/still.png",
		VideoSettings{Model: "kling-v1-6", Duration: "5s"})
	require.NoError(t, err)
	assert.Equal(t, videoBytes, data)
	assert.Equal(t, "access-key", gotIssuer.Load())
}

func TestKlingGenerateVideoRequiresImage(t *testing.T) {
	svc := NewKlingService("a", "s")
	_, err := svc.GenerateVideo(context.Background(), "prompt", "", VideoSettings{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "source image")
}

func TestKlingSurfacesAPIErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":1201,"message":"invalid model"}`)
	}))
	defer server.Close()

	svc := NewKlingService("a", "s")
	svc.baseURL = server.URL

	_, err := svc.GenerateVideo(context.Background(), "p", "https://cdn.example.com/i.png", VideoSettings{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kling error 1201")
}

func TestKlingFailedTask(t *testing.T) {
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	defer server.Close()

	mux.HandleFunc("/videos/image2video", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":0,"data":{"task_id":"kt-2","task_status":"submitted"}}`)
	})
	mux.HandleFunc("/videos/image2video/kt-2", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":0,"data":{"task_id":"kt-2","task_status":"failed","task_status_msg":"content policy"}}`)
	})

	svc := NewKlingService("a", "s")
	svc.baseURL = server.URL
	svc.pollInterval = 0

	_, err := svc.GenerateVideo(context.Background(), "p", "https://cdn.example.com/i.png", VideoSettings{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "content policy")
}
