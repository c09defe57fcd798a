package e2e_test

import (
	"context"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/secplat/posture-pipeline/test/e2e"
)

var database e2e.Database

// Go Test
func TestEndToEnd(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "End to end test suite")
}

var _ = BeforeSuite(func() {
	var err error

	database, err = e2e.StartDatabase(context.Background())
	Expect(err).ToNot(HaveOccurred())
})

var _ = AfterSuite(func() {
	Expect(database.Stop(context.Background())).To(Succeed())
})

var _ = BeforeEach(func() {
	Expect(database.Reset(context.Background())).To(Succeed())
})
