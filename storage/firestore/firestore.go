// Package firestore provides a Firestore implementation of gosubs.IdentityStore.
// Account purges delete the user's profile document and its subcollections as the final step.
package firestore

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/gosubs/pkg/gosubs"
)

// Storage implements gosubs.IdentityStore using Google Cloud Firestore
type Storage struct {
	client          *firestore.Client
	usersCollection string
}

var _ gosubs.IdentityStore = (*Storage)(nil)

// Config holds Firestore storage configuration
type Config struct {
	// UsersCollection is the Firestore collection holding one document per user
	// Default: "users"
	UsersCollection string
}

// New creates a new Firestore identity store
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	if config.UsersCollection == "" {
		config.UsersCollection = "users"
	}

	return &Storage{
		client:          client,
		usersCollection: config.UsersCollection,
	}, nil
}

// DeleteIdentity implements gosubs.IdentityStore. It deletes the user document and every
// document in its subcollections. Deleting a user that no longer exists succeeds.
func (s *Storage) DeleteIdentity(ctx context.Context, userID string) error {
	if userID == "" {
		return fmt.Errorf("user id is required")
	}
	doc := s.userDoc(userID)

	bw := s.client.BulkWriter(ctx)
	var jobs []*firestore.BulkWriterJob
	enqueue := func(ref *firestore.DocumentRef) error {
		job, err := bw.Delete(ref)
		if err != nil {
			return fmt.Errorf("failed to enqueue delete of %s: %w", ref.Path, err)
		}
		jobs = append(jobs, job)
		return nil
	}

	collections := doc.Collections(ctx)
	for {
		coll, err := collections.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			bw.End()
			return fmt.Errorf("failed to list subcollections: %w", err)
		}

		docs := coll.DocumentRefs(ctx)
		for {
			ref, err := docs.Next()
			if errors.Is(err, iterator.Done) {
				break
			}
			if err != nil {
				bw.End()
				return fmt.Errorf("failed to list %s: %w", coll.ID, err)
			}
			if err := enqueue(ref); err != nil {
				bw.End()
				return err
			}
		}
	}
	if err := enqueue(doc); err != nil {
		bw.End()
		return err
	}
	bw.End()

	for _, job := range jobs {
		if _, err := job.Results(); err != nil && status.Code(err) != codes.NotFound {
			return fmt.Errorf("failed to delete identity: %w", err)
		}
	}
	return nil
}

// IdentityExists reports whether the user's profile document exists.
func (s *Storage) IdentityExists(ctx context.Context, userID string) (bool, error) {
	_, err := s.userDoc(userID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return false, nil
		}
		return false, fmt.Errorf("failed to get identity: %w", err)
	}
	return true, nil
}

func (s *Storage) userDoc(userID string) *firestore.DocumentRef {
	return s.client.Collection(s.usersCollection).Doc(userID)
}
