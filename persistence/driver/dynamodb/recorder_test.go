package dynamodb_test

import (
	"os"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sdk "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/google/uuid"
	"github.com/tessellic/annal/internal/test"
	"github.com/tessellic/annal/persistence"
	. "github.com/tessellic/annal/persistence/driver/dynamodb"
	"github.com/tessellic/annal/persistence/recordertest"
)

// newClient connects to the endpoint named by ANNAL_TEST_DYNAMODB_ENDPOINT
// (typically a local DynamoDB container), or skips the test when none is
// configured.
func newClient(t *testing.T) *sdk.Client {
	t.Helper()

	endpoint := os.Getenv("ANNAL_TEST_DYNAMODB_ENDPOINT")
	if endpoint == "" {
		t.Skip("set ANNAL_TEST_DYNAMODB_ENDPOINT to run DynamoDB integration tests")
	}

	return sdk.New(sdk.Options{
		Region:       "us-east-1",
		BaseEndpoint: aws.String(endpoint),
		Credentials: credentials.NewStaticCredentialsProvider(
			"annal", "annal", "",
		),
	})
}

func TestAggregateRecorder(t *testing.T) {
	recordertest.RunAggregateTests(
		t,
		func(t *testing.T) persistence.AggregateRecorder {
			suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
			rec := &AggregateRecorder{
				DB:    newClient(t),
				Table: "annal_events_" + suffix,
			}
			if err := rec.CreateSchema(test.Context(t)); err != nil {
				t.Fatal(err)
			}
			return rec
		},
	)
}

func TestAggregateRecorder_rejectsTracking(t *testing.T) {
	ctx := test.Context(t)
	rec := &AggregateRecorder{DB: newClient(t), Table: "annal_events"}

	_, err := rec.InsertEvents(
		ctx,
		[]persistence.StoredEvent{{
			OriginatorID:      uuid.New(),
			OriginatorVersion: 1,
			Topic:             "dynamodb:Event",
			State:             []byte("{}"),
		}},
		persistence.WithTracking(persistence.Tracking{
			ApplicationName: "upstream",
			NotificationID:  1,
		}),
	)
	if err == nil {
		t.Fatal("expected an error when passing tracking to an aggregate recorder")
	}
}
