package qdrantdb

import (
	"github.com/qdrant/go-client/qdrant"
)

type StoreClient struct {
	Client *qdrant.Client
	dim    uint64
}

func NewStoreClient(host string, port int, dim uint64) (*StoreClient, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host: host,
		Port: port, // gRPC port
	})
	if err != nil {
		return nil, err
	}
	return &StoreClient{Client: client, dim: dim}, nil
}
