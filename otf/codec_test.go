package otf

import (
	"bufio"
	"bytes"
	"io/ioutil"
	"net/http"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestID(t *testing.T) {
	assert := assert.New(t)

	assert.Equal("0000", RequestID(0x0000))
	assert.Equal("ffff", RequestID(0xffff))
	assert.Equal("a1b2", RequestID(0xa1b2))
	assert.Equal("007b", RequestID(123))
}

func TestValidRequestID(t *testing.T) {
	assert := assert.New(t)

	for _, valid := range []string{"0000", "ffff", "a1b2", "00ff"} {
		assert.True(ValidRequestID(valid), valid)
	}

	for _, invalid := range []string{"", "zzzz", "A1B2", "12345", "a1b", "a1b2\n"} {
		assert.False(ValidRequestID(invalid), invalid)
	}
}

func TestEncodeForward(t *testing.T) {
	assert := assert.New(t)

	f := &ForwardRequest{
		RequestID: "00ff",
		Method:    "POST",
		Path:      "/status",
		Proto:     "HTTP/1.1",
		Header: http.Header{
			"Content-Type": []string{"text/plain"},
			"Accept":       []string{"*/*"},
		},
		Body: []byte("hello"),
	}

	assert.Equal(
		"FWD: 00ff\r\n"+
			"POST /status HTTP/1.1\r\n"+
			"Accept: */*\r\n"+
			"Content-Type: text/plain\r\n"+
			"\r\n"+
			"hello",
		string(f.Encode()),
	)
}

func TestEncodeForwardEmptyBody(t *testing.T) {
	assert := assert.New(t)

	f := &ForwardRequest{
		RequestID: "0000",
		Method:    "GET",
		Path:      "/",
		Proto:     "HTTP/1.1",
	}

	encoded := string(f.Encode())
	assert.True(strings.HasPrefix(encoded, "FWD: 0000\r\nGET / HTTP/1.1\r\n"))
	assert.True(strings.HasSuffix(encoded, "\r\n\r\n"))
}

// the encoded frame must read back as the same method, path, header
// sequence, and body bytes
func TestForwardRoundTrip(t *testing.T) {
	var (
		assert  = assert.New(t)
		require = require.New(t)

		body = []byte("a body with\r\nline breaks\r\n\r\nand more")
		f    = &ForwardRequest{
			RequestID: "beef",
			Method:    "PUT",
			Path:      "/led?state=on",
			Proto:     "HTTP/1.1",
			Header: http.Header{
				"X-Custom":       []string{"one", "two"},
				"Host":           []string{"example.com"},
				"Content-Length": []string{strconv.Itoa(len(body))},
			},
			Body: body,
		}
	)

	encoded := f.Encode()

	prefix := []byte("FWD: beef\r\n")
	require.True(bytes.HasPrefix(encoded, prefix))

	parsed, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(encoded[len(prefix):])))
	require.NoError(err)

	assert.Equal("PUT", parsed.Method)
	assert.Equal("/led?state=on", parsed.RequestURI)
	assert.Equal([]string{"one", "two"}, parsed.Header["X-Custom"])
	assert.Equal("example.com", parsed.Host)

	parsedBody, err := ioutil.ReadAll(parsed.Body)
	require.NoError(err)
	assert.Equal(body, parsedBody)
}

func TestDecodeResponse(t *testing.T) {
	var (
		assert  = assert.New(t)
		require = require.New(t)
	)

	testData := []struct {
		frame             string
		expectedRequestID string
		expectedBody      string
	}{
		{"RES: 0000\nOK", "0000", "OK"},
		{"RES: ffff\n", "ffff", ""},
		{"RES: a1b2\nmulti\nline\nbody", "a1b2", "multi\nline\nbody"},
		{"RES: 00ff\r\ncarriage return tolerated", "00ff", "carriage return tolerated"},

		// a body that itself resembles a frame header passes through untouched
		{"RES: 1234\nRES: 0000\nnested", "1234", "RES: 0000\nnested"},
	}

	for _, record := range testData {
		response, err := DecodeResponse([]byte(record.frame))
		require.NoError(err, record.frame)
		assert.Equal(record.expectedRequestID, response.RequestID)
		assert.Equal(record.expectedBody, string(response.Body))
	}
}

func TestDecodeResponseMalformed(t *testing.T) {
	assert := assert.New(t)

	testData := []struct {
		frame         []byte
		expectedError error
	}{
		{[]byte("no terminator at all"), ErrMalformedHeader},
		{[]byte(""), ErrMalformedHeader},
		{[]byte("RES: zzzz\nbody"), ErrMalformedHeader},
		{[]byte("RES: 12345\nbody"), ErrMalformedHeader},
		{[]byte("RES: ABCD\nbody"), ErrMalformedHeader},
		{[]byte("RES:0000\nbody"), ErrMalformedHeader},
		{[]byte("FWD: 0000\nbody"), ErrMalformedHeader},
		{[]byte("RES: 0000 \nbody"), ErrMalformedHeader},
		{append([]byte("RES: 00"), 0xff, 0xfe, '\n'), ErrInvalidHeaderEncoding},
	}

	for _, record := range testData {
		response, err := DecodeResponse(record.frame)
		assert.Nil(response)
		assert.Equal(record.expectedError, err)
	}
}

// the body is opaque bytes and is not UTF-8 validated
func TestDecodeResponseBinaryBody(t *testing.T) {
	var (
		assert  = assert.New(t)
		require = require.New(t)

		body  = []byte{0x00, 0xff, 0xfe, 0x80, '\n', 0x01}
		frame = append([]byte("RES: cafe\n"), body...)
	)

	response, err := DecodeResponse(frame)
	require.NoError(err)
	assert.Equal("cafe", response.RequestID)
	assert.Equal(body, response.Body)
}
