// Package process supervisiona processos filhos externos.
//
// Cada filho roda no próprio process group. Stop manda SIGTERM para o grupo, espera o
// terminate timeout, escala para SIGKILL e espera de novo; uma goroutine dedicada sempre chama
// cmd.Wait, então o filho é reaped em qualquer caminho de saída. Supervisor.Scope amarra a vida
// do filho a uma chamada de função.
package process
