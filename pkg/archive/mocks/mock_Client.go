// Package mocks provides test doubles for the archive client.
package mocks

import (
	"context"

	archive "github.com/sells-group/linkresolver/pkg/archive"
	mock "github.com/stretchr/testify/mock"
)

// MockClient is a mock type for the Client interface.
type MockClient struct {
	mock.Mock
}

// Search provides a mock function with given fields: ctx, query, rows
func (_m *MockClient) Search(ctx context.Context, query string, rows int) (*archive.SearchResponse, error) {
	ret := _m.Called(ctx, query, rows)

	if len(ret) == 0 {
		panic("no return value specified for Search")
	}

	var r0 *archive.SearchResponse
	var r1 error
	if rf, ok := ret.Get(0).(func(context.Context, string, int) (*archive.SearchResponse, error)); ok {
		return rf(ctx, query, rows)
	}
	if rf, ok := ret.Get(0).(func(context.Context, string, int) *archive.SearchResponse); ok {
		r0 = rf(ctx, query, rows)
	} else {
		if ret.Get(0) != nil {
			r0 = ret.Get(0).(*archive.SearchResponse)
		}
	}

	if rf, ok := ret.Get(1).(func(context.Context, string, int) error); ok {
		r1 = rf(ctx, query, rows)
	} else {
		r1 = ret.Error(1)
	}

	return r0, r1
}

// DetailsURL provides a mock function with given fields: identifier
func (_m *MockClient) DetailsURL(identifier string) string {
	ret := _m.Called(identifier)

	if len(ret) == 0 {
		panic("no return value specified for DetailsURL")
	}

	if rf, ok := ret.Get(0).(func(string) string); ok {
		return rf(identifier)
	}
	return ret.String(0)
}

// WebSearchURL provides a mock function with given fields: query
func (_m *MockClient) WebSearchURL(query string) string {
	ret := _m.Called(query)

	if len(ret) == 0 {
		panic("no return value specified for WebSearchURL")
	}

	if rf, ok := ret.Get(0).(func(string) string); ok {
		return rf(query)
	}
	return ret.String(0)
}

// NewMockClient creates a new instance of MockClient. It also registers a
// testing interface on the mock and a cleanup function to assert the mocks
// expectations.
func NewMockClient(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockClient {
	mock := &MockClient{}
	mock.Test(t)

	t.Cleanup(func() { mock.AssertExpectations(t) })

	return mock
}
