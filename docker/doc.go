// Package docker runs a container on a leased host port as a test
// service, using the Docker Engine SDK.
//
//	s := fixture.T(t)
//	pg := docker.New(s.Lease(port.TCP), docker.Config{
//		Image:         "postgres:17-alpine",
//		ContainerPort: 5432,
//		Env:           map[string]string{"POSTGRES_PASSWORD": "test"},
//	})
//	s.Services(service.Of("postgres", pg))
//
// The client is configured from the DOCKER_HOST family of environment
// variables. Without a reachable daemon Start fails with SETUP_ERROR, which
// the service set reports as a start failure naming the container.
package docker
